package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processedEventPrefix = "friday:webhook:processed:"

	// Провайдер повторяет доставку до трех суток.
	DefaultProcessedEventTTL = 72 * time.Hour
)

// ProcessedEventLog журнал полностью обработанных событий провайдера.
type ProcessedEventLog interface {
	// Seen сообщает, было ли событие уже обработано.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark отмечает событие обработанным.
	Mark(ctx context.Context, eventID string) error
}

// redisEventLog хранит ID событий в Redis с TTL.
type redisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventLog создает журнал событий в Redis.
func NewRedisEventLog(client *redis.Client, ttl time.Duration) ProcessedEventLog {
	return &redisEventLog{client: client, ttl: ttl}
}

func (l *redisEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, processedEventPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Mark пишет отметку через SETNX: повторная отметка не продлевает TTL.
func (l *redisEventLog) Mark(ctx context.Context, eventID string) error {
	if err := l.client.SetNX(ctx, processedEventPrefix+eventID, time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return nil
}

// memoryEventLog журнал в памяти процесса для запуска без Redis.
type memoryEventLog struct {
	mu     sync.Mutex
	ttl    time.Duration
	events map[string]time.Time
	now    func() time.Time
}

// NewMemoryEventLog создает журнал событий в памяти.
func NewMemoryEventLog(ttl time.Duration) ProcessedEventLog {
	return &memoryEventLog{
		ttl:    ttl,
		events: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *memoryEventLog) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.events[eventID]
	if !ok {
		return false, nil
	}
	if l.now().Sub(at) > l.ttl {
		delete(l.events, eventID)
		return false, nil
	}
	return true, nil
}

func (l *memoryEventLog) Mark(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.events[eventID] = now
	// Чистим устаревшие записи, чтобы карта не росла бесконечно
	for id, at := range l.events {
		if now.Sub(at) > l.ttl {
			delete(l.events, id)
		}
	}
	return nil
}
