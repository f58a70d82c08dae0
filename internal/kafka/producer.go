package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Типы событий изменения состояния подписки
const (
	EventTypeCheckoutCompleted   = "subscription.checkout_completed"
	EventTypeSubscriptionStarted = "subscription.started"
	EventTypePaymentSucceeded    = "subscription.payment_succeeded"
	EventTypeSubscriptionEnded   = "subscription.ended"
)

// SubscriptionStateEvent событие об изменении записи пользователя после обработки вебхука
type SubscriptionStateEvent struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	UserID         string              `json:"userId"`
	PlanType       models.PlanType     `json:"planType,omitempty"`
	Status         models.AccessStatus `json:"status,omitempty"`
	SubscriptionID string              `json:"subscriptionId,omitempty"`
	CustomerID     string              `json:"customerId,omitempty"`
	OccurredAt     time.Time           `json:"occurredAt"`
}

// NewStateEvent создает событие с новым ID по текущему состоянию записи
func NewStateEvent(eventType string, u *models.UserSubscription) SubscriptionStateEvent {
	return SubscriptionStateEvent{
		ID:             uuid.NewString(),
		Type:           eventType,
		UserID:         u.UserID,
		PlanType:       u.PlanType,
		Status:         u.Status,
		SubscriptionID: u.SubscriptionID,
		CustomerID:     u.CustomerID,
		OccurredAt:     time.Now().UTC(),
	}
}

// Publisher публикует события изменения состояния подписок.
type Publisher interface {
	PublishStateChange(ctx context.Context, event SubscriptionStateEvent) error
	Close() error
}

type saramaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewPublisher создает продюсер поверх sarama.SyncProducer
func NewPublisher(producer sarama.SyncProducer, topic string, log *logger.Logger) Publisher {
	return &saramaPublisher{
		producer: producer,
		topic:    topic,
		log:      log,
	}
}

// NewSaramaPublisher подключается к брокерам и создает продюсер
func NewSaramaPublisher(cfg *Config, log *logger.Logger) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		log.Errorw("Failed to create Kafka producer", "error", err, "brokers", cfg.Brokers)
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}

	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewPublisher(producer, cfg.Topic, log), nil
}

// PublishStateChange отправляет событие в топик. Ключ сообщения - userId.
func (p *saramaPublisher) PublishStateChange(ctx context.Context, event SubscriptionStateEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka: publish aborted: %w", err)
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal state event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
		},
		Timestamp: event.OccurredAt,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.log.Errorw("Failed to publish state event", "error", err, "topic", p.topic, "userID", event.UserID, "type", event.Type)
		return fmt.Errorf("kafka: failed to publish state event: %w", err)
	}

	p.log.Infow("Published state event", "topic", p.topic, "type", event.Type, "userID", event.UserID,
		"partition", partition, "offset", offset)
	return nil
}

// Close закрывает продюсер
func (p *saramaPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// NoopPublisher используется, когда брокеры не настроены.
type NoopPublisher struct{}

func (NoopPublisher) PublishStateChange(context.Context, SubscriptionStateEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
