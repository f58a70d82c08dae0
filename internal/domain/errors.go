package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrMalformedEvent событие провайдера не удалось разобрать
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrForbidden пользователь не может действовать от имени другого пользователя
	ErrForbidden = errors.New("forbidden")
)

// ConfigurationError отсутствует обязательное значение конфигурации (цена, секрет, бакет).
// Фатальна для конкретного запроса, не для процесса.
type ConfigurationError struct {
	Key string
}

// Error реализует интерфейс error
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not configured", e.Key)
}

// DuplicateSubscriptionError пользователь уже активно владеет запрошенным тарифом.
type DuplicateSubscriptionError struct {
	UserID      string
	ActivePlan  string
	RequestPlan string
}

// Error реализует интерфейс error
func (e *DuplicateSubscriptionError) Error() string {
	if e.ActivePlan != e.RequestPlan {
		return fmt.Sprintf("user already has an active %s plan which covers %s", e.ActivePlan, e.RequestPlan)
	}
	return fmt.Sprintf("user already has an active %s plan", e.ActivePlan)
}

// UpstreamProviderError ошибка вызова API платежного провайдера.
// ClientFault отмечает ошибки входных данных (4xx), которые не имеет смысла повторять.
type UpstreamProviderError struct {
	Operation   string
	ClientFault bool
	Retryable   bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *UpstreamProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: %v", e.Operation, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *UpstreamProviderError) Unwrap() error {
	return e.OriginalErr
}

// InvalidPriceError цена тарифа не найдена или недоступна у провайдера.
type InvalidPriceError struct {
	PriceID     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %s: %v", e.PriceID, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *InvalidPriceError) Unwrap() error {
	return e.OriginalErr
}

// CheckoutCreationError не удалось создать checkout-сессию.
type CheckoutCreationError struct {
	OriginalErr error
}

// Error реализует интерфейс error
func (e *CheckoutCreationError) Error() string {
	return fmt.Sprintf("failed to create checkout session: %v", e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *CheckoutCreationError) Unwrap() error {
	return e.OriginalErr
}

// SignatureVerificationError вебхук не прошел проверку подлинности. Никогда не обрабатывается.
type SignatureVerificationError struct {
	Reason      string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *SignatureVerificationError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("webhook signature verification failed: %s: %v", e.Reason, e.OriginalErr)
	}
	return fmt.Sprintf("webhook signature verification failed: %s", e.Reason)
}

// Unwrap возвращает оригинальную ошибку
func (e *SignatureVerificationError) Unwrap() error {
	return e.OriginalErr
}

// HandlerError ошибка обработчика конкретного типа события.
// Retryable ошибки (сбой записи в хранилище) отдаются провайдеру как 500,
// остальные логируются и подтверждаются.
type HandlerError struct {
	EventType   string
	EventID     string
	Retryable   bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s (event %s) failed: %v", e.EventType, e.EventID, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *HandlerError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable сообщает, нужно ли провайдеру повторить доставку события.
func IsRetryable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return err != nil
}
