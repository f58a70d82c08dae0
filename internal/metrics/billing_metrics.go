package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки вебхука
const (
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookDuplicate = "duplicate"
	WebhookFailed    = "failed"
	WebhookRejected  = "rejected"
)

// Исходы создания checkout-сессии
const (
	CheckoutCreated      = "created"
	CheckoutDuplicate    = "duplicate"
	CheckoutInvalidPrice = "invalid_price"
	CheckoutConfigError  = "config_error"
	CheckoutFailed       = "failed"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncWebhookEvent(eventType, outcome string)
	IncCheckoutSession(plan, outcome string)
	ObserveProviderRequest(operation string, d time.Duration, err error)
}

type billingMetrics struct {
	webhookEvents    *prometheus.CounterVec
	checkoutSessions *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewBillingMetrics регистрирует метрики биллинга в registry
func NewBillingMetrics(registry *prometheus.Registry) BillingMetrics {
	webhookEvents := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "friday_webhook_events_total",
			Help: "The total number of payment provider webhook events by outcome",
		},
		[]string{"type", "outcome"},
	)

	checkoutSessions := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "friday_checkout_sessions_total",
			Help: "The total number of checkout session requests by outcome",
		},
		[]string{"plan", "outcome"},
	)

	providerDuration := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "friday_provider_request_duration_seconds",
			Help:    "Payment provider API call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	return &billingMetrics{
		webhookEvents:    webhookEvents,
		checkoutSessions: checkoutSessions,
		providerDuration: providerDuration,
	}
}

// IncWebhookEvent увеличивает счетчик событий
func (m *billingMetrics) IncWebhookEvent(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// IncCheckoutSession увеличивает счетчик запросов checkout-сессий
func (m *billingMetrics) IncCheckoutSession(plan, outcome string) {
	m.checkoutSessions.WithLabelValues(plan, outcome).Inc()
}

// ObserveProviderRequest записывает длительность вызова API провайдера
func (m *billingMetrics) ObserveProviderRequest(operation string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

// Noop метрики для тестов и запуска с выключенными метриками
type Noop struct{}

func (Noop) IncWebhookEvent(string, string) {}

func (Noop) IncCheckoutSession(string, string) {}

func (Noop) ObserveProviderRequest(string, time.Duration, error) {}
