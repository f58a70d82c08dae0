package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/models"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Ключи metadata checkout-сессии и подписки.
const (
	MetadataUserID       = "userId"
	MetadataPlanType     = "planType"
	MetadataIsUpgrade    = "isUpgrade"
	MetadataPreviousPlan = "previousPlan"
	MetadataUserEmail    = "userEmail"
)

// WebhookVerifier проверяет подпись вебхука и разбирает событие в типизированный вид.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier создает верификатор с секретом подписи (whsec_...).
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Configured сообщает, задан ли секрет подписи.
func (v *WebhookVerifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify проверяет подпись и возвращает разобранное событие.
// Отсутствие секрета или подписи, неверная подпись дают *domain.SignatureVerificationError.
// Подписанное, но не разбираемое событие известного типа дает ошибку с domain.ErrMalformedEvent.
func (v *WebhookVerifier) Verify(payload []byte, signature string) (*domain.WebhookEvent, error) {
	if !v.Configured() {
		return nil, &domain.SignatureVerificationError{Reason: "webhook secret is not configured"}
	}
	if signature == "" {
		return nil, &domain.SignatureVerificationError{Reason: "signature header is missing"}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &domain.SignatureVerificationError{Reason: "signature mismatch", OriginalErr: err}
	}

	return ParseEvent(event)
}

// ParseEvent превращает событие Stripe в domain.WebhookEvent с типизированным Payload.
func ParseEvent(event stripe.Event) (*domain.WebhookEvent, error) {
	out := &domain.WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unixTime(event.Created),
		Payload: domain.Ignored{},
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	var err error
	switch out.Type {
	case domain.EventCheckoutCompleted:
		out.Payload, err = parseCheckoutCompleted(raw)
	case domain.EventSubscriptionCreated:
		out.Payload, err = parseSubscriptionCreated(raw)
	case domain.EventInvoicePaid:
		out.Payload, err = parseInvoicePaid(raw, out.Created)
	case domain.EventSubscriptionDeleted:
		out.Payload, err = parseSubscriptionDeleted(raw, out.Created)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrMalformedEvent, out.Type, out.ID, err)
	}
	return out, nil
}

func parseCheckoutCompleted(raw json.RawMessage) (domain.CheckoutCompleted, error) {
	var session stripe.CheckoutSession
	if err := decode(raw, &session); err != nil {
		return domain.CheckoutCompleted{}, err
	}
	if session.ID == "" {
		return domain.CheckoutCompleted{}, fmt.Errorf("checkout session without id")
	}

	out := domain.CheckoutCompleted{
		SessionID:    session.ID,
		UserID:       session.ClientReferenceID,
		Mode:         string(session.Mode),
		PlanType:     models.PlanType(session.Metadata[MetadataPlanType]),
		IsUpgrade:    session.Metadata[MetadataIsUpgrade] == "true",
		PreviousPlan: models.PlanType(session.Metadata[MetadataPreviousPlan]),
	}
	if !out.PlanType.Valid() {
		out.PlanType = planFromMode(out.Mode)
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	switch {
	case session.CustomerDetails != nil && session.CustomerDetails.Email != "":
		out.CustomerEmail = session.CustomerDetails.Email
	case session.CustomerEmail != "":
		out.CustomerEmail = session.CustomerEmail
	}
	return out, nil
}

func parseSubscriptionCreated(raw json.RawMessage) (domain.SubscriptionCreated, error) {
	var sub stripe.Subscription
	if err := decode(raw, &sub); err != nil {
		return domain.SubscriptionCreated{}, err
	}
	if sub.ID == "" {
		return domain.SubscriptionCreated{}, fmt.Errorf("subscription without id")
	}

	out := domain.SubscriptionCreated{
		SubscriptionID:   sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: unixTime(sub.CurrentPeriodEnd),
		UserID:           sub.Metadata[MetadataUserID],
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out, nil
}

func parseInvoicePaid(raw json.RawMessage, fallback time.Time) (domain.InvoicePaid, error) {
	var inv stripe.Invoice
	if err := decode(raw, &inv); err != nil {
		return domain.InvoicePaid{}, err
	}
	if inv.ID == "" {
		return domain.InvoicePaid{}, fmt.Errorf("invoice without id")
	}

	out := domain.InvoicePaid{
		InvoiceID: inv.ID,
		PaidAt:    fallback,
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		out.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
	}
	return out, nil
}

func parseSubscriptionDeleted(raw json.RawMessage, fallback time.Time) (domain.SubscriptionDeleted, error) {
	var sub stripe.Subscription
	if err := decode(raw, &sub); err != nil {
		return domain.SubscriptionDeleted{}, err
	}
	if sub.ID == "" {
		return domain.SubscriptionDeleted{}, fmt.Errorf("subscription without id")
	}

	out := domain.SubscriptionDeleted{
		SubscriptionID: sub.ID,
		CanceledAt:     fallback,
	}
	if sub.CanceledAt > 0 {
		out.CanceledAt = unixTime(sub.CanceledAt)
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("event has no data object")
	}
	return json.Unmarshal(raw, v)
}

func planFromMode(mode string) models.PlanType {
	switch mode {
	case ModePayment:
		return models.PlanLifetime
	case ModeSubscription:
		return models.PlanMonthly
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
