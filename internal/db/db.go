package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBClient представляет клиент для работы с PostgreSQL.
// Пул pgx используется и sqlx, и goose через database/sql мост.
type DBClient struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
	log  *logger.Logger
}

// NewDBClient создает пул соединений и проверяет подключение.
func NewDBClient(ctx context.Context, dsn string, log *logger.Logger) (*DBClient, error) {
	log.Infow("Connecting to PostgreSQL")

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Настраиваем пул соединений
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Infow("Successfully connected to PostgreSQL")
	return &DBClient{
		pool: pool,
		db:   sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		log:  log,
	}, nil
}

// DB возвращает sqlx обертку над пулом.
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Migrate применяет встроенные миграции схемы.
func (dc *DBClient) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: dc.log})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, dc.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	err := dc.db.Close()
	dc.pool.Close()
	if err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// gooseLogger направляет вывод goose в логгер приложения.
type gooseLogger struct {
	log *logger.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Errorf(format, v...)
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Infof(format, v...)
}
