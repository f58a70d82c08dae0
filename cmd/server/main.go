package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/friday-billing/internal/app"
	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/db"
	"github.com/Dhoini/friday-billing/internal/download"
	"github.com/Dhoini/friday-billing/internal/http/routes"
	"github.com/Dhoini/friday-billing/internal/kafka"
	"github.com/Dhoini/friday-billing/internal/metrics"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/internal/services"
	"github.com/Dhoini/friday-billing/internal/stripe"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	kafkaGo "github.com/segmentio/kafka-go"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.FromEnv().Fatalw("Failed to load configuration", "error", err)
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		logger.FromEnv().Fatalw("Failed to initialize logger", "error", err)
	}
	defer func() { _ = log.Sync() }()

	log.Infow("Friday billing service starting up...", "env", cfg.App.Env, "store", cfg.Store.Driver)

	if cfg.Stripe.APIKey == "" {
		log.Warnw("Stripe API key is not set, checkout requests will fail")
	}
	if cfg.Stripe.MonthlyPriceID == "" || cfg.Stripe.LifetimePriceID == "" {
		log.Warnw("Stripe price IDs are not fully configured")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Метрики в собственном registry
	var (
		registry      *prometheus.Registry
		billingMetric metrics.BillingMetrics = metrics.Noop{}
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		billingMetric = metrics.NewBillingMetrics(registry)

		systemMetrics := metrics.NewSystemMetrics(registry, log.Named("metrics"))
		systemMetrics.StartRecording(15 * time.Second)
		defer systemMetrics.Stop()
	}

	// Хранилище записей пользователей
	users, closeStore := initStore(ctx, cfg, log)
	defer closeStore()

	// Redis: кеш записей и журнал обработанных событий
	events := repository.NewMemoryEventLog(repository.DefaultProcessedEventTTL)
	if cfg.Redis.Addr != "" {
		redisCache, err := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log.Named("redis"))
		if err != nil {
			// Не фатально, но предупреждаем
			log.Warnw("Failed to initialize Redis, continuing without caching", "error", err)
		} else {
			defer func() {
				if err := redisCache.Close(); err != nil {
					log.Errorw("Error closing Redis connection", "error", err)
				}
			}()
			users = repository.NewCachedUserRepository(users, redisCache, log.Named("cache"))
			events = repository.NewRedisEventLog(redisCache.Client(), repository.DefaultProcessedEventTTL)
			log.Infow("Using Redis cache and event log")
		}
	}

	// Kafka: события изменения подписки
	var publisher kafka.Publisher = kafka.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := kafka.NewConfig(cfg.Kafka.Brokers, cfg.Kafka.Topic)

		setupCtx, setupCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := kafka.EnsureTopics(setupCtx, kafkaCfg.Brokers, []kafkaGo.TopicConfig{kafka.TopicConfig(kafkaCfg.Topic)}, log.Named("kafka")); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
		setupCancel()

		p, err := kafka.NewSaramaPublisher(kafkaCfg, log.Named("kafka"))
		if err != nil {
			log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		} else {
			publisher = p
			defer func() {
				if err := publisher.Close(); err != nil {
					log.Errorw("Error closing Kafka producer", "error", err)
				}
			}()
		}
	} else {
		log.Infow("Kafka brokers are not configured, state events are disabled")
	}

	// Клиент Stripe и сервисы
	provider := stripe.NewStripeClient(cfg.Stripe.APIKey, nil, billingMetric, log.Named("stripe"))
	verifier := stripe.NewWebhookVerifier(cfg.Stripe.WebhookSecret)

	checkoutService := services.NewCheckoutService(cfg, users, provider, billingMetric, log.Named("checkout"))
	webhookProcessor := services.NewWebhookProcessor(cfg, verifier, users, provider, services.NewSecretKeyIssuer(),
		events, publisher, billingMetric, log.Named("webhook"))
	queryService := services.NewSubscriptionQueryService(users, log.Named("query"))

	downloads, err := download.NewService(ctx, download.Config{
		Region:          cfg.Download.Region,
		Bucket:          cfg.Download.Bucket,
		Key:             cfg.Download.Key,
		Endpoint:        cfg.Download.Endpoint,
		AccessKeyID:     cfg.Download.AccessKeyID,
		SecretAccessKey: cfg.Download.SecretAccessKey,
	}, log.Named("download"))
	if err != nil {
		log.Fatalw("Failed to initialize download service", "error", err)
	}

	application := app.NewApp(cfg, app.Services{
		Checkout:      checkoutService,
		Webhooks:      webhookProcessor,
		Subscriptions: queryService,
		Downloads:     downloads,
		Store:         users,
	}, registry, log)

	router := gin.New()
	routes.SetupRoutes(router, application, log)

	httpServer := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Запускаем HTTP сервер в горутине
	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	// Даем 10 секунд на завершение текущих запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	// Продюсер закрывается отложенно, после того как допишутся события
	if err := webhookProcessor.Shutdown(shutdownCtx); err != nil {
		log.Errorw("State event publishing did not finish", "error", err)
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// initStore подключает хранилище по store.driver. Ошибка подключения фатальна.
func initStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.UserRepository, func()) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		dbClient, err := db.NewDBClient(ctx, cfg.Store.Postgres.DSN, log.Named("postgres"))
		if err != nil {
			log.Fatalw("Failed to connect to database", "error", err)
		}
		if err := dbClient.Migrate(ctx); err != nil {
			log.Fatalw("Failed to apply migrations", "error", err)
		}
		return repository.NewPostgresUserRepository(dbClient.DB(), log.Named("postgres")), func() {
			if err := dbClient.Close(); err != nil {
				log.Errorw("Error closing database connection", "error", err)
			}
		}

	case config.StoreMongo:
		client, err := repository.NewMongoClient(ctx, cfg.Store.Mongo.URI, log.Named("mongo"))
		if err != nil {
			log.Fatalw("Failed to connect to MongoDB", "error", err)
		}
		users, err := repository.NewMongoUserRepository(ctx, client.Database(cfg.Store.Mongo.Database), log.Named("mongo"))
		if err != nil {
			log.Fatalw("Failed to initialize MongoDB repository", "error", err)
		}
		return users, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				log.Errorw("Error disconnecting MongoDB", "error", err)
			}
		}

	default:
		log.Warnw("Using in-memory store, records are lost on restart")
		return repository.NewMemoryUserRepository(), func() {}
	}
}
