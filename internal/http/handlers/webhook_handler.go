package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/pkg/logger"
	"github.com/Dhoini/friday-billing/pkg/res"

	"github.com/gin-gonic/gin"
)

const (
	// Ограничение на размер тела запроса вебхука
	maxRequestBodySize = int64(65536)

	signatureHeader = "Stripe-Signature"
)

// EventProcessor применяет подписанные события провайдера. Реализуется services.WebhookProcessor.
type EventProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (string, error)
	SecretConfigured() bool
}

// StorePinger проверяет доступность хранилища записей.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// WebhookHandler принимает вебхуки платежного провайдера.
type WebhookHandler struct {
	processor EventProcessor
	store     StorePinger
	log       *logger.Logger
	now       func() time.Time
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(processor EventProcessor, store StorePinger, log *logger.Logger) *WebhookHandler {
	if !processor.SecretConfigured() {
		log.Warnw("Webhook secret is not configured, all webhook deliveries will be rejected")
	}
	return &WebhookHandler{
		processor: processor,
		store:     store,
		log:       log,
		now:       time.Now,
	}
}

type WebhookReceivedResponse struct {
	Received bool `json:"received"`
}

type WebhookHealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	WebhookSecret string `json:"webhookSecret"`
	Timestamp     string `json:"timestamp"`
}

// HandleWebhook обрабатывает POST /webhooks/payment-provider.
// Тело читается один раз целиком: подпись считается по сырым байтам.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	//goland:noinspection GoUnhandledErrorResult
	defer c.Request.Body.Close()

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warnw("Webhook body exceeds limit", "limit", tooLarge.Limit)
			res.Error(c.Writer, "Request body too large", http.StatusRequestEntityTooLarge)
		} else {
			h.log.Errorw("Failed to read webhook request body", "error", err)
			res.Error(c.Writer, "Cannot read request body", http.StatusBadRequest)
		}
		c.Abort()
		return
	}

	outcome, err := h.processor.Process(ctx, payload, c.GetHeader(signatureHeader))
	if err != nil {
		var sigErr *domain.SignatureVerificationError
		switch {
		case errors.As(err, &sigErr):
			res.Error(c.Writer, "Webhook signature verification failed", http.StatusBadRequest)
			c.Abort()
			return
		case errors.Is(err, domain.ErrMalformedEvent):
			res.Error(c.Writer, "Malformed webhook event", http.StatusBadRequest)
			c.Abort()
			return
		case domain.IsRetryable(err):
			// Провайдер повторит доставку
			res.ErrorWithDetails(c.Writer, "Internal server error processing webhook", err.Error(), http.StatusInternalServerError)
			c.Abort()
			return
		default:
			h.log.Warnw("Webhook acknowledged despite handler error", "error", err)
		}
	}

	h.log.Debugw("Webhook acknowledged", "outcome", outcome)
	res.JsonResponse(c.Writer, WebhookReceivedResponse{Received: true}, http.StatusOK)
}

// Health обрабатывает GET /webhooks/payment-provider/health
func (h *WebhookHandler) Health(c *gin.Context) {
	resp := WebhookHealthResponse{
		Status:        "ok",
		Store:         "connected",
		WebhookSecret: "configured",
		Timestamp:     h.now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warnw("Store ping failed", "error", err)
		resp.Store = "error"
	}
	if !h.processor.SecretConfigured() {
		resp.WebhookSecret = "missing"
	}

	res.JsonResponse(c.Writer, resp, http.StatusOK)
}
