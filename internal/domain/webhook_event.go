package domain

import (
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
)

// Типы событий провайдера, которые обрабатывает сервис.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// WebhookEvent проверенное и разобранное событие провайдера.
// Payload содержит ровно одну из структур ниже, по типу события.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Payload any
}

// CheckoutCompleted завершенная checkout-сессия.
type CheckoutCompleted struct {
	SessionID      string
	UserID         string // client_reference_id
	Mode           string // subscription | payment
	PlanType       models.PlanType
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	IsUpgrade      bool
	PreviousPlan   models.PlanType
}

// SubscriptionCreated создана recurring-подписка.
type SubscriptionCreated struct {
	SubscriptionID   string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
	UserID           string // из metadata подписки, если есть
}

// InvoicePaid успешно оплачен счет.
type InvoicePaid struct {
	InvoiceID      string
	SubscriptionID string // пусто для разовых платежей
	CustomerID     string
	PaidAt         time.Time
}

// SubscriptionDeleted подписка окончательно удалена у провайдера.
type SubscriptionDeleted struct {
	SubscriptionID string
	CustomerID     string
	CanceledAt     time.Time
}

// Ignored событие неизвестного типа, подтверждается без обработки.
type Ignored struct{}
