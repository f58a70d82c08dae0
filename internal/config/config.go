package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Драйверы хранилища записей пользователей.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Политики отмены месячной подписки при переходе на lifetime.
const (
	CancelImmediately = "immediate"
	CancelAtPeriodEnd = "period_end"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port     string `mapstructure:"port"`
		Env      string `mapstructure:"env"`
		URL      string `mapstructure:"url"` // Публичный адрес дашборда для redirect URL
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"app"`
	Store struct {
		Driver string `mapstructure:"driver"`
		Postgres struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"postgres"`
		Mongo struct {
			URI      string `mapstructure:"uri"`
			Database string `mapstructure:"database"`
		} `mapstructure:"mongo"`
	} `mapstructure:"store"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey          string `mapstructure:"apiKey"`
		WebhookSecret   string `mapstructure:"webhookSecret"`
		MonthlyPriceID  string `mapstructure:"monthlyPriceId"`
		LifetimePriceID string `mapstructure:"lifetimePriceId"`
	} `mapstructure:"stripe"`
	Billing struct {
		UpgradeCancelPolicy string `mapstructure:"upgradeCancelPolicy"`
	} `mapstructure:"billing"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Download struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		Key             string `mapstructure:"key"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"accessKeyId"`
		SecretAccessKey string `mapstructure:"secretAccessKey"`
	} `mapstructure:"download"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// LoadConfig загружает конфигурацию из config.yml в каталоге dir и переменных окружения.
// Файл .env подхватывается вне production, его отсутствие не считается ошибкой.
func LoadConfig(dir string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	setDefaults(v)

	// STRIPE_WEBHOOKSECRET переопределяет stripe.webhookSecret и т.д.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.url", "http://localhost:3000")
	v.SetDefault("app.logLevel", "info")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.mongo.database", "friday")
	v.SetDefault("kafka.topic", "friday.subscription.state")
	v.SetDefault("billing.upgradeCancelPolicy", CancelAtPeriodEnd)
	v.SetDefault("download.region", "us-east-1")
	v.SetDefault("metrics.enabled", true)

	// Пустые значения по умолчанию делают ключи видимыми для AutomaticEnv при Unmarshal.
	for _, key := range []string{
		"redis.addr", "redis.password", "store.postgres.dsn", "store.mongo.uri",
		"stripe.apiKey", "stripe.webhookSecret", "stripe.monthlyPriceId", "stripe.lifetimePriceId",
		"auth.jwtSecret", "download.bucket", "download.key", "download.endpoint",
		"download.accessKeyId", "download.secretAccessKey",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
}

// Validate проверяет согласованность конфигурации.
// Отсутствие цен и секрета вебхука не фатально: такие запросы завершатся ConfigurationError.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("config: store.postgres.dsn is required for the postgres driver")
		}
	case StoreMongo:
		if c.Store.Mongo.URI == "" {
			return errors.New("config: store.mongo.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Billing.UpgradeCancelPolicy {
	case CancelImmediately, CancelAtPeriodEnd:
	default:
		return fmt.Errorf("config: unknown billing.upgradeCancelPolicy %q", c.Billing.UpgradeCancelPolicy)
	}
	return nil
}
