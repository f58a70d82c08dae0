package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/middleware"
	"github.com/Dhoini/friday-billing/internal/services"
	"github.com/Dhoini/friday-billing/pkg/logger"
	"github.com/Dhoini/friday-billing/pkg/res"

	"github.com/gin-gonic/gin"
)

// SubscriptionReader читает состояние подписки пользователя.
type SubscriptionReader interface {
	Get(ctx context.Context, userID string) (*services.SubscriptionView, error)
}

// SubscriptionHandler обрабатывает GET /users/subscription.
type SubscriptionHandler struct {
	service SubscriptionReader
	log     *logger.Logger
}

func NewSubscriptionHandler(service SubscriptionReader, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
		log:     log,
	}
}

// GetSubscription обрабатывает GET /users/subscription?userId=
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		res.Error(c.Writer, "userId is required", http.StatusBadRequest)
		c.Abort()
		return
	}

	if err := middleware.AuthorizeUser(c, userID); err != nil {
		h.log.Warnw("Subscription requested for another user", "userID", userID, "error", err)
		res.Error(c.Writer, "Forbidden", http.StatusForbidden)
		c.Abort()
		return
	}

	view, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			res.Error(c.Writer, err.Error(), http.StatusBadRequest)
		} else {
			res.Error(c.Writer, "Failed to retrieve subscription", http.StatusInternalServerError)
		}
		c.Abort()
		return
	}

	res.JsonResponse(c.Writer, view, http.StatusOK)
}
