package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	// Префикс ключей записей пользователей
	userKeyPrefix = "friday:user:"

	// Счетчик версий записи, растет при каждой инвалидации
	userVersionPrefix = "friday:user:version:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute

	// Версия живет дольше записи в кеше
	userVersionTTL = 24 * time.Hour
)

// errStaleRecord запись прочитана до последней инвалидации
var errStaleRecord = errors.New("user record changed while reading")

// RedisCacheRepository реализует кеширование записей пользователей с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		ttl:    defaultCacheTTL,
		log:    log,
	}, nil
}

// Client возвращает клиент Redis для других компонентов (журнал обработанных событий).
func (r *RedisCacheRepository) Client() *redis.Client {
	return r.client
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// UserVersion возвращает текущую версию записи. Отсутствие ключа означает версию 0.
func (r *RedisCacheRepository) UserVersion(ctx context.Context, userID string) (int64, error) {
	v, err := r.client.Get(ctx, userVersionPrefix+userID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get user record version: %w", err)
	}
	return v, nil
}

// CacheUserAtVersion кеширует запись, только если версия не менялась с момента чтения.
// Возвращает false, если запись устарела и в кеш не попала.
func (r *RedisCacheRepository) CacheUserAtVersion(ctx context.Context, u *models.UserSubscription, version int64) (bool, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return false, fmt.Errorf("failed to marshal user record: %w", err)
	}

	versionKey := userVersionPrefix + u.UserID
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleRecord
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKeyPrefix+u.UserID, data, r.ttl)
			return nil
		})
		return err
	}, versionKey)

	switch {
	case err == nil:
		r.log.Debugw("User record cached successfully", "userID", u.UserID, "version", version)
		return true, nil
	case errors.Is(err, errStaleRecord), errors.Is(err, redis.TxFailedErr):
		r.log.Debugw("User record changed while reading, not cached", "userID", u.UserID, "version", version)
		return false, nil
	default:
		r.log.Errorw("Failed to cache user record in Redis", "error", err, "userID", u.UserID)
		return false, fmt.Errorf("failed to cache user record: %w", err)
	}
}

// GetCachedUser получает запись пользователя из кеша. Промах кеша возвращает nil, nil.
func (r *RedisCacheRepository) GetCachedUser(ctx context.Context, userID string) (*models.UserSubscription, error) {
	data, err := r.client.Get(ctx, userKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.Debugw("User record not found in cache", "userID", userID)
			return nil, nil
		}
		r.log.Errorw("Error getting user record from Redis", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user record from cache: %w", err)
	}

	var u models.UserSubscription
	if err := json.Unmarshal(data, &u); err != nil {
		r.log.Errorw("Failed to unmarshal cached user record", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to unmarshal cached user record: %w", err)
	}
	return &u, nil
}

// InvalidateUser удаляет запись пользователя из кеша и поднимает ее версию,
// чтобы параллельное чтение не вернуло в кеш старое состояние.
func (r *RedisCacheRepository) InvalidateUser(ctx context.Context, userID string) error {
	versionKey := userVersionPrefix + userID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, userVersionTTL)
		pipe.Del(ctx, userKeyPrefix+userID)
		return nil
	})
	if err != nil {
		r.log.Errorw("Failed to invalidate user record cache", "error", err, "userID", userID)
		return fmt.Errorf("failed to invalidate user record cache: %w", err)
	}

	r.log.Debugw("User record cache invalidated", "userID", userID)
	return nil
}
