package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/kafka"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/internal/stripe"
)

type fakeProvider struct {
	mu sync.Mutex

	prices    map[string]*stripe.Price
	priceErr  error
	customers map[string]*stripe.Customer
	custErr   error

	createErrs []error
	sessions   []stripe.CheckoutParams

	canceled []string
	updated  map[string]stripe.SubscriptionUpdate
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices: map[string]*stripe.Price{
			"price_monthly":  {ID: "price_monthly", Active: true, Recurring: true},
			"price_lifetime": {ID: "price_lifetime", Active: true},
		},
		customers: map[string]*stripe.Customer{},
		updated:   map[string]stripe.SubscriptionUpdate{},
	}
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, params stripe.CheckoutParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, params)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "cs_test_1", nil
}

func (f *fakeProvider) RetrievePrice(_ context.Context, priceID string) (*stripe.Price, error) {
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	p, ok := f.prices[priceID]
	if !ok {
		return nil, &domain.UpstreamProviderError{Operation: "retrieve price", ClientFault: true, OriginalErr: errors.New("no such price")}
	}
	return p, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

func (f *fakeProvider) UpdateSubscription(_ context.Context, subscriptionID string, update stripe.SubscriptionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[subscriptionID] = update
	return nil
}

func (f *fakeProvider) RetrieveCustomer(_ context.Context, customerID string) (*stripe.Customer, error) {
	if f.custErr != nil {
		return nil, f.custErr
	}
	c, ok := f.customers[customerID]
	if !ok {
		return nil, &domain.UpstreamProviderError{Operation: "retrieve customer", ClientFault: true, OriginalErr: errors.New("no such customer")}
	}
	return c, nil
}

func (f *fakeProvider) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type recordingMetrics struct {
	mu       sync.Mutex
	webhook  map[string]int
	checkout map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{webhook: map[string]int{}, checkout: map[string]int{}}
}

func (m *recordingMetrics) IncWebhookEvent(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhook[eventType+"/"+outcome]++
}

func (m *recordingMetrics) IncCheckoutSession(plan, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkout[plan+"/"+outcome]++
}

func (m *recordingMetrics) ObserveProviderRequest(string, time.Duration, error) {}

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.SubscriptionStateEvent
}

func (p *fakePublisher) PublishStateChange(_ context.Context, e kafka.SubscriptionStateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []kafka.SubscriptionStateEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.SubscriptionStateEvent(nil), p.events...)
}

// failingRepo отказывает на выбранных операциях
type failingRepo struct {
	repository.UserRepository
	failGet   bool
	failMerge bool
	failFind  bool
}

var errStoreDown = errors.New("store unavailable")

func (r *failingRepo) Get(ctx context.Context, userID string) (*models.UserSubscription, error) {
	if r.failGet {
		return nil, errStoreDown
	}
	return r.UserRepository.Get(ctx, userID)
}

func (r *failingRepo) Merge(ctx context.Context, userID string, patch models.UserPatch) error {
	if r.failMerge {
		return errStoreDown
	}
	return r.UserRepository.Merge(ctx, userID, patch)
}

func (r *failingRepo) FindBy(ctx context.Context, field repository.LookupField, value string) ([]models.UserSubscription, error) {
	if r.failFind {
		return nil, errStoreDown
	}
	return r.UserRepository.FindBy(ctx, field, value)
}

type stubVerifier struct {
	event *domain.WebhookEvent
	err   error
}

func (v *stubVerifier) Verify([]byte, string) (*domain.WebhookEvent, error) {
	return v.event, v.err
}

func (v *stubVerifier) Configured() bool { return true }

func testConfig(policy string) *config.Config {
	cfg := &config.Config{}
	cfg.App.URL = "https://friday.test"
	cfg.Stripe.MonthlyPriceID = "price_monthly"
	cfg.Stripe.LifetimePriceID = "price_lifetime"
	cfg.Billing.UpgradeCancelPolicy = policy
	return cfg
}
