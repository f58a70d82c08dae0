package repository

import (
	"context"
	"fmt"

	"github.com/Dhoini/friday-billing/internal/models"
)

// LookupField поле, по которому обработчики вебхуков ищут запись.
type LookupField string

const (
	ByCustomerID     LookupField = "customer_id"
	BySubscriptionID LookupField = "subscription_id"
)

// Valid сообщает, поддерживается ли поиск по полю.
func (f LookupField) Valid() bool {
	return f == ByCustomerID || f == BySubscriptionID
}

// UserRepository определяет методы для работы с хранилищем записей о подписках пользователей.
type UserRepository interface {
	// Get возвращает запись пользователя или nil, nil если записи нет.
	Get(ctx context.Context, userID string) (*models.UserSubscription, error)

	// Merge частично обновляет запись, создавая ее при отсутствии.
	// SecretKey из патча записывается только если у записи ключа еще нет.
	Merge(ctx context.Context, userID string, patch models.UserPatch) error

	// FindBy возвращает записи, у которых поле field равно value.
	FindBy(ctx context.Context, field LookupField, value string) ([]models.UserSubscription, error)

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

func validateLookup(field LookupField, value string) error {
	if !field.Valid() {
		return fmt.Errorf("%w: unsupported lookup field %q", ErrInvalidData, field)
	}
	if value == "" {
		return fmt.Errorf("%w: empty lookup value for %s", ErrInvalidData, field)
	}
	return nil
}

func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidData)
	}
	return nil
}
