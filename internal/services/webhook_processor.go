package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/kafka"
	"github.com/Dhoini/friday-billing/internal/metrics"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/internal/stripe"
	"github.com/Dhoini/friday-billing/pkg/logger"
)

// EventVerifier проверяет подпись и разбирает событие провайдера.
type EventVerifier interface {
	Verify(payload []byte, signature string) (*domain.WebhookEvent, error)
	Configured() bool
}

// stateChange изменение записи, которое нужно опубликовать после успешного merge
type stateChange struct {
	eventType string
	user      models.UserSubscription
}

// WebhookProcessor проверяет события провайдера и применяет их к записям пользователей.
// Все обработчики идемпотентны: повторная доставка события не меняет результат.
type WebhookProcessor struct {
	cfg       *config.Config
	verifier  EventVerifier
	users     repository.UserRepository
	provider  stripe.Client
	keys      SecretKeyIssuer
	events    repository.ProcessedEventLog
	publisher kafka.Publisher
	metrics   metrics.BillingMetrics
	log       *logger.Logger
	now       func() time.Time

	// inflight публикации, которые нужно дождаться перед закрытием продюсера
	inflight sync.WaitGroup
}

// NewWebhookProcessor конструктор процессора вебхуков
func NewWebhookProcessor(
	cfg *config.Config,
	verifier EventVerifier,
	users repository.UserRepository,
	provider stripe.Client,
	keys SecretKeyIssuer,
	events repository.ProcessedEventLog,
	publisher kafka.Publisher,
	m metrics.BillingMetrics,
	log *logger.Logger,
) *WebhookProcessor {
	if publisher == nil {
		log.Warnw("Kafka publisher is nil, state events will not be published")
		publisher = kafka.NoopPublisher{}
	}
	return &WebhookProcessor{
		cfg:       cfg,
		verifier:  verifier,
		users:     users,
		provider:  provider,
		keys:      keys,
		events:    events,
		publisher: publisher,
		metrics:   m,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SecretConfigured сообщает, задан ли секрет подписи вебхуков.
func (p *WebhookProcessor) SecretConfigured() bool {
	return p.verifier.Configured()
}

// Process проверяет подпись, разбирает событие и применяет его.
// Возвращает исход обработки (metrics.Webhook*). Ошибки:
// *domain.SignatureVerificationError и domain.ErrMalformedEvent означают отказ без изменений,
// *domain.HandlerError с Retryable=true требует повторной доставки.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (string, error) {
	event, err := p.verifier.Verify(payload, signature)
	if err != nil {
		p.log.Warnw("Rejected webhook", "error", err)
		p.metrics.IncWebhookEvent("unknown", metrics.WebhookRejected)
		return metrics.WebhookRejected, err
	}

	if _, ok := event.Payload.(domain.Ignored); ok {
		p.log.Debugw("Ignoring unhandled webhook event type", "type", event.Type, "eventID", event.ID)
		p.metrics.IncWebhookEvent(event.Type, metrics.WebhookIgnored)
		return metrics.WebhookIgnored, nil
	}

	seen, err := p.events.Seen(ctx, event.ID)
	if err != nil {
		// Журнал только экономит работу, обработчики идемпотентны
		p.log.Warnw("Failed to check processed event log", "eventID", event.ID, "error", err)
	}
	if seen {
		p.log.Infow("Webhook event already processed", "type", event.Type, "eventID", event.ID)
		p.metrics.IncWebhookEvent(event.Type, metrics.WebhookDuplicate)
		return metrics.WebhookDuplicate, nil
	}

	outcome, changes, err := p.dispatch(ctx, event)
	if err != nil {
		var he *domain.HandlerError
		if !errors.As(err, &he) {
			err = &domain.HandlerError{EventType: event.Type, EventID: event.ID, Retryable: true, OriginalErr: err}
		}
		p.log.Errorw("Webhook handler failed", "type", event.Type, "eventID", event.ID, "error", err)
		p.metrics.IncWebhookEvent(event.Type, metrics.WebhookFailed)
		return metrics.WebhookFailed, err
	}

	if err := p.events.Mark(ctx, event.ID); err != nil {
		p.log.Warnw("Failed to mark webhook event processed", "eventID", event.ID, "error", err)
	}
	for _, c := range changes {
		p.inflight.Add(1)
		go func(c stateChange) {
			defer p.inflight.Done()
			p.publish(context.WithoutCancel(ctx), c)
		}(c)
	}

	p.metrics.IncWebhookEvent(event.Type, outcome)
	return outcome, nil
}

// Shutdown ждет завершения начатых публикаций или отмены ctx.
// Вызывается после остановки HTTP-сервера и до закрытия продюсера.
func (p *WebhookProcessor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.log.Warnw("State events still publishing at shutdown", "error", ctx.Err())
		return ctx.Err()
	}
}

func (p *WebhookProcessor) dispatch(ctx context.Context, event *domain.WebhookEvent) (string, []stateChange, error) {
	switch payload := event.Payload.(type) {
	case domain.CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event, payload)
	case domain.SubscriptionCreated:
		return p.handleSubscriptionCreated(ctx, event, payload)
	case domain.InvoicePaid:
		return p.handleInvoicePaid(ctx, event, payload)
	case domain.SubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event, payload)
	}
	return "", nil, fmt.Errorf("unsupported payload %T for event %s", event.Payload, event.Type)
}

func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, event *domain.WebhookEvent, c domain.CheckoutCompleted) (string, []stateChange, error) {
	if c.UserID == "" {
		p.log.Warnw("Checkout session has no client reference id, skipping", "sessionID", c.SessionID, "eventID", event.ID)
		return metrics.WebhookIgnored, nil, nil
	}

	user, err := p.users.Get(ctx, c.UserID)
	if err != nil {
		return "", nil, p.storeError(event, "load user record", err)
	}

	// Поздняя доставка месячной оплаты после перехода на lifetime
	if c.PlanType == models.PlanMonthly && user != nil && user.PlanType == models.PlanLifetime && user.IsActive() {
		p.log.Warnw("Skipping monthly checkout for lifetime user", "userID", c.UserID, "sessionID", c.SessionID, "subscriptionID", c.SubscriptionID, "eventID", event.ID)
		if c.SubscriptionID != "" {
			p.endPreviousSubscription(ctx, c.UserID, c.SubscriptionID)
		}
		return metrics.WebhookIgnored, nil, nil
	}

	email := c.CustomerEmail
	if email == "" {
		email = p.customerEmail(ctx, c.CustomerID)
	}
	if email == "" && user != nil {
		email = user.Email
	}

	patch := models.UserPatch{
		Email:           models.Ptr(email),
		PlanType:        models.Ptr(c.PlanType),
		Status:          models.Ptr(models.StatusActive),
		CustomerID:      models.Ptr(c.CustomerID),
		PaidAt:          models.Ptr(event.Created),
		LastPaymentDate: models.Ptr(event.Created),
	}
	if err := p.ensureSecretKey(event, user, &patch); err != nil {
		return "", nil, err
	}

	// Lifetime-запись не держит живую подписку
	var previousSub string
	switch c.PlanType {
	case models.PlanMonthly:
		patch.SubscriptionID = models.Ptr(c.SubscriptionID)
		if c.SubscriptionID != "" {
			patch.SubscriptionStatus = models.Ptr(models.SubscriptionStatusActive)
		}
	case models.PlanLifetime:
		if user != nil && user.SubscriptionID != "" {
			previousSub = user.SubscriptionID
			patch.ClearSubscriptionID = true
		}
	}

	if err := p.users.Merge(ctx, c.UserID, patch); err != nil {
		return "", nil, p.storeError(event, "merge checkout result", err)
	}
	p.log.Infow("Checkout completed applied", "userID", c.UserID, "planType", c.PlanType, "sessionID", c.SessionID, "isUpgrade", c.IsUpgrade)

	if previousSub != "" {
		p.endPreviousSubscription(ctx, c.UserID, previousSub)
	}

	merged := patch.Apply(recordOrNew(user, c.UserID), p.now())
	return metrics.WebhookProcessed, []stateChange{{eventType: kafka.EventTypeCheckoutCompleted, user: merged}}, nil
}

func (p *WebhookProcessor) handleSubscriptionCreated(ctx context.Context, event *domain.WebhookEvent, s domain.SubscriptionCreated) (string, []stateChange, error) {
	targets, err := p.findUsers(ctx, event, repository.ByCustomerID, s.CustomerID)
	if err != nil {
		return "", nil, err
	}
	// Подписка может прийти раньше checkout.session.completed: ищем по userId из metadata
	if len(targets) == 0 && s.UserID != "" {
		user, err := p.users.Get(ctx, s.UserID)
		if err != nil {
			return "", nil, p.storeError(event, "load user record", err)
		}
		targets = []models.UserSubscription{recordOrNew(user, s.UserID)}
	}
	if len(targets) == 0 {
		p.log.Warnw("No user record for subscription customer", "customerID", s.CustomerID, "subscriptionID", s.SubscriptionID, "eventID", event.ID)
		return metrics.WebhookIgnored, nil, nil
	}

	var changes []stateChange
	for i := range targets {
		u := targets[i]
		if u.PlanType == models.PlanLifetime && u.IsActive() {
			p.log.Warnw("Skipping subscription for lifetime user", "userID", u.UserID, "subscriptionID", s.SubscriptionID)
			continue
		}

		patch := models.UserPatch{
			SubscriptionID:     models.Ptr(s.SubscriptionID),
			SubscriptionStatus: models.Ptr(s.Status),
			PlanType:           models.Ptr(models.PlanMonthly),
			Status:             models.Ptr(models.StatusActive),
			CustomerID:         models.Ptr(s.CustomerID),
		}
		if !s.CurrentPeriodEnd.IsZero() {
			patch.CurrentPeriodEnd = models.Ptr(s.CurrentPeriodEnd)
		}
		if u.Email == "" {
			if email := p.customerEmail(ctx, s.CustomerID); email != "" {
				patch.Email = models.Ptr(email)
			}
		}
		if err := p.ensureSecretKey(event, &u, &patch); err != nil {
			return "", nil, err
		}

		if err := p.users.Merge(ctx, u.UserID, patch); err != nil {
			return "", nil, p.storeError(event, "merge subscription", err)
		}
		p.log.Infow("Subscription created applied", "userID", u.UserID, "subscriptionID", s.SubscriptionID, "status", s.Status)
		changes = append(changes, stateChange{eventType: kafka.EventTypeSubscriptionStarted, user: patch.Apply(u, p.now())})
	}

	if len(changes) == 0 {
		return metrics.WebhookIgnored, nil, nil
	}
	return metrics.WebhookProcessed, changes, nil
}

func (p *WebhookProcessor) handleInvoicePaid(ctx context.Context, event *domain.WebhookEvent, inv domain.InvoicePaid) (string, []stateChange, error) {
	if inv.SubscriptionID == "" {
		p.log.Debugw("Invoice has no subscription, skipping", "invoiceID", inv.InvoiceID)
		return metrics.WebhookIgnored, nil, nil
	}

	targets, err := p.findUsers(ctx, event, repository.BySubscriptionID, inv.SubscriptionID)
	if err != nil {
		return "", nil, err
	}
	if len(targets) == 0 {
		p.log.Warnw("No user record for paid invoice subscription", "subscriptionID", inv.SubscriptionID, "invoiceID", inv.InvoiceID)
		return metrics.WebhookIgnored, nil, nil
	}

	patch := models.UserPatch{
		SubscriptionStatus: models.Ptr(models.SubscriptionStatusActive),
		LastPaymentDate:    models.Ptr(inv.PaidAt),
		Status:             models.Ptr(models.StatusActive),
	}
	changes := make([]stateChange, 0, len(targets))
	for _, u := range targets {
		if err := p.users.Merge(ctx, u.UserID, patch); err != nil {
			return "", nil, p.storeError(event, "merge invoice payment", err)
		}
		p.log.Infow("Invoice payment applied", "userID", u.UserID, "subscriptionID", inv.SubscriptionID, "invoiceID", inv.InvoiceID)
		changes = append(changes, stateChange{eventType: kafka.EventTypePaymentSucceeded, user: patch.Apply(u, p.now())})
	}
	return metrics.WebhookProcessed, changes, nil
}

func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, event *domain.WebhookEvent, d domain.SubscriptionDeleted) (string, []stateChange, error) {
	targets, err := p.findUsers(ctx, event, repository.BySubscriptionID, d.SubscriptionID)
	if err != nil {
		return "", nil, err
	}
	if len(targets) == 0 {
		// Подписка уже снята с записи, например при переходе на lifetime
		p.log.Infow("No user record for deleted subscription", "subscriptionID", d.SubscriptionID)
		return metrics.WebhookIgnored, nil, nil
	}

	patch := models.UserPatch{
		SubscriptionStatus: models.Ptr(models.SubscriptionStatusCanceled),
		Status:             models.Ptr(models.StatusInactive),
		CanceledAt:         models.Ptr(d.CanceledAt),
	}
	changes := make([]stateChange, 0, len(targets))
	for _, u := range targets {
		if err := p.users.Merge(ctx, u.UserID, patch); err != nil {
			return "", nil, p.storeError(event, "merge subscription deletion", err)
		}
		p.log.Infow("Subscription deletion applied", "userID", u.UserID, "subscriptionID", d.SubscriptionID)
		changes = append(changes, stateChange{eventType: kafka.EventTypeSubscriptionEnded, user: patch.Apply(u, p.now())})
	}
	return metrics.WebhookProcessed, changes, nil
}

func (p *WebhookProcessor) findUsers(ctx context.Context, event *domain.WebhookEvent, field repository.LookupField, value string) ([]models.UserSubscription, error) {
	if value == "" {
		return nil, nil
	}
	users, err := p.users.FindBy(ctx, field, value)
	if err != nil {
		return nil, p.storeError(event, "find user by "+string(field), err)
	}
	return users, nil
}

// ensureSecretKey добавляет ключ в патч, только если у записи его еще нет.
func (p *WebhookProcessor) ensureSecretKey(event *domain.WebhookEvent, user *models.UserSubscription, patch *models.UserPatch) error {
	if user != nil && user.SecretKey != "" {
		return nil
	}
	key, err := p.keys.Issue()
	if err != nil {
		return &domain.HandlerError{EventType: event.Type, EventID: event.ID, Retryable: true, OriginalErr: err}
	}
	patch.SecretKey = models.Ptr(key)
	return nil
}

// customerEmail получает email клиента у провайдера. Ошибки не прерывают обработку.
func (p *WebhookProcessor) customerEmail(ctx context.Context, customerID string) string {
	if customerID == "" {
		return ""
	}
	customer, err := p.provider.RetrieveCustomer(ctx, customerID)
	if err != nil {
		p.log.Warnw("Failed to retrieve customer email", "customerID", customerID, "error", err)
		return ""
	}
	if customer.Deleted {
		return ""
	}
	return customer.Email
}

// endPreviousSubscription повторно применяет политику отмены к месячной подписке после оплаты lifetime.
func (p *WebhookProcessor) endPreviousSubscription(ctx context.Context, userID, subscriptionID string) {
	var err error
	if p.cfg.Billing.UpgradeCancelPolicy == config.CancelImmediately {
		err = p.provider.CancelSubscription(ctx, subscriptionID)
	} else {
		err = p.provider.UpdateSubscription(ctx, subscriptionID, stripe.SubscriptionUpdate{CancelAtPeriodEnd: models.Ptr(true)})
	}
	if err != nil {
		p.log.Errorw("Failed to end previous monthly subscription", "userID", userID, "subscriptionID", subscriptionID, "error", err)
		return
	}
	p.log.Infow("Previous monthly subscription ended", "userID", userID, "subscriptionID", subscriptionID, "policy", p.cfg.Billing.UpgradeCancelPolicy)
}

func (p *WebhookProcessor) storeError(event *domain.WebhookEvent, op string, err error) error {
	return &domain.HandlerError{
		EventType:   event.Type,
		EventID:     event.ID,
		Retryable:   true,
		OriginalErr: fmt.Errorf("%s: %w", op, err),
	}
}

// publish отправляет событие изменения состояния. Ошибки только логируются.
func (p *WebhookProcessor) publish(ctx context.Context, c stateChange) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.publisher.PublishStateChange(ctx, kafka.NewStateEvent(c.eventType, &c.user)); err != nil {
		p.log.Errorw("Failed to publish subscription state event", "userID", c.user.UserID, "type", c.eventType, "error", err)
	}
}

func recordOrNew(u *models.UserSubscription, userID string) models.UserSubscription {
	if u != nil {
		return *u
	}
	return models.UserSubscription{UserID: userID}
}
