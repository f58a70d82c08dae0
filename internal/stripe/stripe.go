package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Тип ошибки соединения Stripe, для которого в SDK нет константы.
const errorTypeAPIConnection stripe.ErrorType = "api_connection_error"

// Режимы checkout-сессии.
const (
	ModeSubscription = string(stripe.CheckoutSessionModeSubscription)
	ModePayment      = string(stripe.CheckoutSessionModePayment)
)

// CheckoutParams параметры создания checkout-сессии.
type CheckoutParams struct {
	PriceID           string
	Mode              string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	// CustomerID используется, если известен. Иначе передается CustomerEmail.
	CustomerID           string
	CustomerEmail        string
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
	IdempotencyKey       string
}

// Price цена тарифа у провайдера.
type Price struct {
	ID        string
	Active    bool
	Recurring bool
}

// Customer клиент провайдера.
type Customer struct {
	ID      string
	Email   string
	Deleted bool
}

// SubscriptionUpdate изменения подписки. Поля nil не изменяются.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd *bool
}

// Client определяет методы для взаимодействия со Stripe API.
// Все ошибки возвращаются как *domain.UpstreamProviderError.
type Client interface {
	// CreateCheckoutSession создает hosted checkout и возвращает ID сессии.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// RetrievePrice получает цену по ID.
	RetrievePrice(ctx context.Context, priceID string) (*Price, error)

	// CancelSubscription немедленно отменяет подписку. Уже удаленная подписка не считается ошибкой.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// UpdateSubscription изменяет подписку.
	UpdateSubscription(ctx context.Context, subscriptionID string, update SubscriptionUpdate) error

	// RetrieveCustomer получает клиента по ID.
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)
}

// Observer получает длительность каждого вызова API. Реализуется пакетом metrics.
type Observer interface {
	ObserveProviderRequest(operation string, d time.Duration, err error)
}

// stripeClient реализует интерфейс Client.
type stripeClient struct {
	client   *client.API
	log      *logger.Logger
	observer Observer
}

// NewStripeClient создает новый экземпляр клиента Stripe.
// backends может быть nil, тогда используются стандартные адреса API.
func NewStripeClient(apiKey string, backends *stripe.Backends, observer Observer, log *logger.Logger) Client {
	return &stripeClient{
		client:   client.New(apiKey, backends),
		log:      log,
		observer: observer,
	}
}

// CreateCheckoutSession создает checkout-сессию с одной позицией.
func (sc *stripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:                stripe.String(p.Mode),
		SuccessURL:          stripe.String(p.SuccessURL),
		CancelURL:           stripe.String(p.CancelURL),
		ClientReferenceID:   stripe.String(p.ClientReferenceID),
		AllowPromotionCodes: stripe.Bool(true),
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Mode == ModeSubscription && len(p.SubscriptionMetadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.SubscriptionMetadata,
		}
	}

	start := time.Now()
	session, err := sc.client.CheckoutSessions.New(params)
	sc.observe("create_checkout_session", start, err)
	if err != nil {
		logStripeError(sc.log, "CreateCheckoutSession", err)
		return "", wrapError("create checkout session", err)
	}

	sc.log.Infow("Stripe checkout session created", "sessionID", session.ID, "mode", p.Mode, "userID", p.ClientReferenceID)
	return session.ID, nil
}

// RetrievePrice получает цену по ID.
func (sc *stripeClient) RetrievePrice(ctx context.Context, priceID string) (*Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx

	start := time.Now()
	price, err := sc.client.Prices.Get(priceID, params)
	sc.observe("retrieve_price", start, err)
	if err != nil {
		logStripeError(sc.log, "RetrievePrice", err)
		return nil, wrapError("retrieve price", err)
	}

	return &Price{
		ID:        price.ID,
		Active:    price.Active,
		Recurring: price.Recurring != nil,
	}, nil
}

// CancelSubscription отменяет подписку в Stripe немедленно.
func (sc *stripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	start := time.Now()
	_, err := sc.client.Subscriptions.Cancel(subscriptionID, params)
	sc.observe("cancel_subscription", start, err)
	if err != nil {
		// Обрабатываем случай, если подписка уже удалена
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			sc.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "subscriptionID", subscriptionID)
			return nil
		}
		logStripeError(sc.log, "CancelSubscription", err)
		return wrapError("cancel subscription", err)
	}

	sc.log.Infow("Stripe subscription canceled", "subscriptionID", subscriptionID)
	return nil
}

// UpdateSubscription изменяет подписку, например ставит отмену в конце периода.
func (sc *stripeClient) UpdateSubscription(ctx context.Context, subscriptionID string, update SubscriptionUpdate) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	if update.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*update.CancelAtPeriodEnd)
	}

	start := time.Now()
	_, err := sc.client.Subscriptions.Update(subscriptionID, params)
	sc.observe("update_subscription", start, err)
	if err != nil {
		logStripeError(sc.log, "UpdateSubscription", err)
		return wrapError("update subscription", err)
	}

	sc.log.Infow("Stripe subscription updated", "subscriptionID", subscriptionID, "cancelAtPeriodEnd", params.CancelAtPeriodEnd != nil && *params.CancelAtPeriodEnd)
	return nil
}

// RetrieveCustomer получает клиента по ID. Удаленный клиент возвращается с Deleted=true.
func (sc *stripeClient) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	start := time.Now()
	cus, err := sc.client.Customers.Get(customerID, params)
	sc.observe("retrieve_customer", start, err)
	if err != nil {
		logStripeError(sc.log, "RetrieveCustomer", err)
		return nil, wrapError("retrieve customer", err)
	}

	return &Customer{
		ID:      cus.ID,
		Email:   cus.Email,
		Deleted: cus.Deleted,
	}, nil
}

func (sc *stripeClient) observe(operation string, start time.Time, err error) {
	if sc.observer != nil {
		sc.observer.ObserveProviderRequest(operation, time.Since(start), err)
	}
}

// wrapError классифицирует ошибку Stripe и оборачивает ее в UpstreamProviderError.
func wrapError(operation string, err error) error {
	upstream := &domain.UpstreamProviderError{
		Operation:   operation,
		Retryable:   IsRetryable(err),
		OriginalErr: err,
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		upstream.ClientFault = code >= 400 && code < 500 && code != http.StatusTooManyRequests
	}
	return upstream
}

// IsRetryable проверяет, является ли ошибка Stripe подходящей для повторной попытки.
func IsRetryable(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		// Rate Limit
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		// Ошибки соединения API
		if stripeErr.Type == errorTypeAPIConnection {
			return true
		}
		// Ошибки сервера Stripe (5xx) могут быть временными, 501 не повторяем
		return stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented
	}

	// Сетевые ошибки до получения ответа
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", fmt.Sprint(err),
		)
	}
}
