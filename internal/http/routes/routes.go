package routes

import (
	"github.com/Dhoini/friday-billing/internal/app"
	"github.com/Dhoini/friday-billing/internal/http/handlers"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, app *app.App, log *logger.Logger) {
	router.HandleMethodNotAllowed = true

	router.Use(app.LoggerMiddleware)
	router.Use(gin.Recovery())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/download", app.DownloadHandler.Download)

	// Вебхуки аутентифицируются подписью, не токеном
	webhooks := router.Group("/webhooks/payment-provider")
	{
		webhooks.POST("", app.WebhookHandler.HandleWebhook)
		webhooks.GET("/health", app.WebhookHandler.Health)
	}

	dashboard := router.Group("")
	if app.AuthMiddleware != nil {
		dashboard.Use(app.AuthMiddleware.RequireAuth())
	}
	{
		dashboard.POST("/checkout-sessions", app.CheckoutHandler.CreateSession)
		dashboard.GET("/users/subscription", app.SubscriptionHandler.GetSubscription)
	}

	if app.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{Registry: app.Registry})))
	}

	log.Infow("API routes successfully configured", "auth", app.AuthMiddleware != nil, "metrics", app.Registry != nil)
}
