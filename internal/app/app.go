package app

import (
	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/http/handlers"
	"github.com/Dhoini/friday-billing/internal/middleware"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Services зависимости HTTP-слоя
type Services struct {
	Checkout      handlers.CheckoutSessionCreator
	Webhooks      handlers.EventProcessor
	Subscriptions handlers.SubscriptionReader
	Downloads     handlers.DownloadURLProvider
	Store         handlers.StorePinger
}

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config              *config.Config
	CheckoutHandler     *handlers.CheckoutHandler
	WebhookHandler      *handlers.WebhookHandler
	SubscriptionHandler *handlers.SubscriptionHandler
	DownloadHandler     *handlers.DownloadHandler
	// AuthMiddleware nil, если auth.jwtSecret не задан
	AuthMiddleware   *middleware.JWTMiddleware
	LoggerMiddleware gin.HandlerFunc
	// Registry nil, если метрики выключены
	Registry *prometheus.Registry
	Logger   *logger.Logger
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(cfg *config.Config, svc Services, registry *prometheus.Registry, log *logger.Logger) *App {
	var authMiddleware *middleware.JWTMiddleware
	if cfg.Auth.JWTSecret != "" {
		validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
		authMiddleware = middleware.NewJWTMiddleware(log.Named("auth"), validator)
	} else {
		log.Warnw("auth.jwtSecret is not set, dashboard endpoints are not authenticated")
	}

	return &App{
		Config:              cfg,
		CheckoutHandler:     handlers.NewCheckoutHandler(svc.Checkout, log.Named("checkout")),
		WebhookHandler:      handlers.NewWebhookHandler(svc.Webhooks, svc.Store, log.Named("webhook")),
		SubscriptionHandler: handlers.NewSubscriptionHandler(svc.Subscriptions, log.Named("subscription")),
		DownloadHandler:     handlers.NewDownloadHandler(svc.Downloads, log.Named("download")),
		AuthMiddleware:      authMiddleware,
		LoggerMiddleware:    middleware.RequestLogger(log.Named("http")),
		Registry:            registry,
		Logger:              log,
	}
}
