package services

import (
	"context"
	"fmt"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/pkg/logger"
)

// SubscriptionView состояние подписки для дашборда. Отсутствующие значения - null.
type SubscriptionView struct {
	HasPaid        bool    `json:"hasPaid"`
	SecretKey      *string `json:"secretKey"`
	PlanType       *string `json:"planType"`
	Status         *string `json:"status"`
	SubscriptionID *string `json:"subscriptionId"`
	CustomerID     *string `json:"customerId"`
}

// SubscriptionQueryService только читает записи пользователей.
type SubscriptionQueryService struct {
	users repository.UserRepository
	log   *logger.Logger
}

// NewSubscriptionQueryService конструктор сервиса
func NewSubscriptionQueryService(users repository.UserRepository, log *logger.Logger) *SubscriptionQueryService {
	return &SubscriptionQueryService{users: users, log: log}
}

// Get возвращает состояние подписки. Неизвестный пользователь - не ошибка.
func (s *SubscriptionQueryService) Get(ctx context.Context, userID string) (*SubscriptionView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		s.log.Errorw("Failed to load subscription", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if u == nil {
		return &SubscriptionView{}, nil
	}

	return &SubscriptionView{
		HasPaid:        u.IsActive(),
		SecretKey:      optional(u.SecretKey),
		PlanType:       optional(string(u.PlanType)),
		Status:         optional(string(u.Status)),
		SubscriptionID: optional(u.SubscriptionID),
		CustomerID:     optional(u.CustomerID),
	}, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
