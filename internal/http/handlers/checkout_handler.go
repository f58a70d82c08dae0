package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/middleware"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/services"
	"github.com/Dhoini/friday-billing/pkg/logger"
	"github.com/Dhoini/friday-billing/pkg/req"
	"github.com/Dhoini/friday-billing/pkg/res"

	"github.com/gin-gonic/gin"
)

// CheckoutSessionCreator создает checkout-сессии. Реализуется services.CheckoutService.
type CheckoutSessionCreator interface {
	CreateSession(ctx context.Context, in services.CheckoutInput) (*services.CheckoutOutput, error)
}

// CheckoutHandler обрабатывает POST /checkout-sessions.
type CheckoutHandler struct {
	service CheckoutSessionCreator
	log     *logger.Logger
}

// NewCheckoutHandler создает новый экземпляр CheckoutHandler.
func NewCheckoutHandler(service CheckoutSessionCreator, log *logger.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: service,
		log:     log,
	}
}

type CreateCheckoutSessionRequest struct {
	PlanType  string `json:"planType" validate:"required,oneof=monthly lifetime"`
	UserID    string `json:"userId" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	IsUpgrade *bool  `json:"isUpgrade"`
}

type CreateCheckoutSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSession обрабатывает POST /checkout-sessions
func (h *CheckoutHandler) CreateSession(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := req.HandleBody[CreateCheckoutSessionRequest](c.Request.Body)
	if err != nil {
		h.log.Warnw("Invalid checkout request", "error", err)
		res.Error(c.Writer, req.Describe(err), http.StatusBadRequest)
		c.Abort()
		return
	}

	if err := middleware.AuthorizeUser(c, body.UserID); err != nil {
		h.log.Warnw("Checkout requested for another user", "userID", body.UserID, "error", err)
		res.Error(c.Writer, "Forbidden", http.StatusForbidden)
		c.Abort()
		return
	}

	output, err := h.service.CreateSession(ctx, services.CheckoutInput{
		PlanType:       models.PlanType(body.PlanType),
		UserID:         body.UserID,
		Email:          body.Email,
		IsUpgrade:      body.IsUpgrade,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	res.JsonResponse(c.Writer, CreateCheckoutSessionResponse{SessionID: output.SessionID}, http.StatusOK)
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *CheckoutHandler) writeError(c *gin.Context, err error) {
	var (
		dup      *domain.DuplicateSubscriptionError
		price    *domain.InvalidPriceError
		cfgErr   *domain.ConfigurationError
		upstream *domain.UpstreamProviderError
	)

	switch {
	case errors.As(err, &dup):
		res.Error(c.Writer, dup.Error(), http.StatusBadRequest)
	case errors.As(err, &price):
		res.ErrorWithDetails(c.Writer, "Invalid price for the requested plan", price.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidInput):
		res.Error(c.Writer, err.Error(), http.StatusBadRequest)
	case errors.As(err, &cfgErr):
		h.log.Errorw("Checkout is misconfigured", "error", err)
		res.ErrorWithDetails(c.Writer, "Payment configuration error", cfgErr.Error(), http.StatusInternalServerError)
	case errors.As(err, &upstream) && upstream.ClientFault:
		res.ErrorWithDetails(c.Writer, "Payment provider rejected the request", upstream.Error(), http.StatusBadRequest)
	default:
		h.log.Errorw("Failed to create checkout session", "error", err)
		res.ErrorWithDetails(c.Writer, "Failed to create checkout session", err.Error(), http.StatusInternalServerError)
	}
	c.Abort()
}
