package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/internal/stripe"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutFixture struct {
	svc      *CheckoutService
	users    repository.UserRepository
	provider *fakeProvider
	metrics  *recordingMetrics
}

func newCheckoutFixture(t *testing.T, policy string) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		users:    repository.NewMemoryUserRepository(),
		provider: newFakeProvider(),
		metrics:  newRecordingMetrics(),
	}
	f.svc = NewCheckoutService(testConfig(policy), f.users, f.provider, f.metrics, logger.Nop())
	f.svc.backOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return f
}

func (f *checkoutFixture) seedMonthly(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.users.Merge(context.Background(), userID, models.UserPatch{
		PlanType:       models.Ptr(models.PlanMonthly),
		Status:         models.Ptr(models.StatusActive),
		SubscriptionID: models.Ptr("sub_1"),
		CustomerID:     models.Ptr("cus_1"),
		SecretKey:      models.Ptr("existing-key"),
	}))
}

func TestCreateSession_NewMonthlyUser(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)

	out, err := f.svc.CreateSession(ctx, CheckoutInput{
		PlanType: models.PlanMonthly,
		UserID:   "user_1",
		Email:    "u1@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", out.SessionID)
	assert.False(t, out.IsUpgrade)

	require.Len(t, f.provider.sessions, 1)
	p := f.provider.sessions[0]
	assert.Equal(t, "price_monthly", p.PriceID)
	assert.Equal(t, stripe.ModeSubscription, p.Mode)
	assert.Equal(t, "user_1", p.ClientReferenceID)
	assert.Equal(t, "u1@example.com", p.CustomerEmail)
	assert.Empty(t, p.CustomerID)
	assert.Equal(t, "https://friday.test/dashboard?success=true&session_id={CHECKOUT_SESSION_ID}", p.SuccessURL)
	assert.Equal(t, "https://friday.test/dashboard?canceled=true", p.CancelURL)
	assert.Equal(t, "monthly", p.Metadata[stripe.MetadataPlanType])
	assert.Equal(t, "false", p.Metadata[stripe.MetadataIsUpgrade])
	assert.Equal(t, "user_1", p.SubscriptionMetadata[stripe.MetadataUserID])
	assert.NotEmpty(t, p.IdempotencyKey)

	u, err := f.users.Get(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1@example.com", u.Email)
	assert.Empty(t, u.Status, "checkout initiation must not grant access")

	assert.Equal(t, 1, f.metrics.checkout["monthly/created"])
}

func TestCreateSession_LifetimeUsesPaymentMode(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})
	require.NoError(t, err)

	p := f.provider.sessions[0]
	assert.Equal(t, stripe.ModePayment, p.Mode)
	assert.Equal(t, "price_lifetime", p.PriceID)
	assert.Nil(t, p.SubscriptionMetadata)
}

func TestCreateSession_DuplicatePlanRejected(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.seedMonthly(t, "user_1")

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})

	var dup *domain.DuplicateSubscriptionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "monthly", dup.ActivePlan)
	assert.Zero(t, f.provider.createCalls())
	assert.Equal(t, 1, f.metrics.checkout["monthly/duplicate"])
}

func TestCreateSession_LifetimeCoversMonthly(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	require.NoError(t, f.users.Merge(ctx, "user_1", models.UserPatch{
		PlanType: models.Ptr(models.PlanLifetime),
		Status:   models.Ptr(models.StatusActive),
	}))

	_, err := f.svc.CreateSession(ctx, CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})
	assert.ErrorAs(t, err, new(*domain.DuplicateSubscriptionError))

	_, err = f.svc.CreateSession(ctx, CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})
	assert.ErrorAs(t, err, new(*domain.DuplicateSubscriptionError))
}

func TestCreateSession_RepurchaseAfterCancellation(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.seedMonthly(t, "user_1")
	require.NoError(t, f.users.Merge(ctx, "user_1", models.UserPatch{
		Status:             models.Ptr(models.StatusInactive),
		SubscriptionStatus: models.Ptr(models.SubscriptionStatusCanceled),
	}))

	out, err := f.svc.CreateSession(ctx, CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})
	require.NoError(t, err)
	assert.False(t, out.IsUpgrade)
	assert.Equal(t, "cus_1", f.provider.sessions[0].CustomerID, "known customer must be reused")
}

func TestCreateSession_UpgradeAtPeriodEnd(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.seedMonthly(t, "user_1")

	out, err := f.svc.CreateSession(ctx, CheckoutInput{
		PlanType:  models.PlanLifetime,
		UserID:    "user_1",
		IsUpgrade: models.Ptr(false),
	})
	require.NoError(t, err)
	assert.True(t, out.IsUpgrade)

	update, ok := f.provider.updated["sub_1"]
	require.True(t, ok)
	require.NotNil(t, update.CancelAtPeriodEnd)
	assert.True(t, *update.CancelAtPeriodEnd)
	assert.Empty(t, f.provider.canceled)

	u, err := f.users.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", u.SubscriptionID)

	p := f.provider.sessions[0]
	assert.Equal(t, "true", p.Metadata[stripe.MetadataIsUpgrade])
	assert.Equal(t, "monthly", p.Metadata[stripe.MetadataPreviousPlan])
	assert.Equal(t, "cus_1", p.CustomerID)
}

func TestCreateSession_UpgradeImmediate(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, config.CancelImmediately)
	f.seedMonthly(t, "user_1")

	out, err := f.svc.CreateSession(ctx, CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})
	require.NoError(t, err)
	assert.True(t, out.IsUpgrade)
	assert.Equal(t, []string{"sub_1"}, f.provider.canceled)

	u, err := f.users.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, u.SubscriptionID)
	assert.Equal(t, "existing-key", u.SecretKey)
	assert.Equal(t, models.PlanMonthly, u.PlanType)
}

func TestCreateSession_MissingPrice(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.svc.cfg.Stripe.LifetimePriceID = ""

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "stripe.lifetimePriceId", cfgErr.Key)
	assert.Equal(t, 1, f.metrics.checkout["lifetime/config_error"])
}

func TestCreateSession_InvalidPriceDoesNotCancel(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelImmediately)
	f.seedMonthly(t, "user_1")
	delete(f.provider.prices, "price_lifetime")

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})

	assert.ErrorAs(t, err, new(*domain.InvalidPriceError))
	assert.Empty(t, f.provider.canceled)
	assert.Zero(t, f.provider.createCalls())
	assert.Equal(t, 1, f.metrics.checkout["lifetime/invalid_price"])
}

func TestCreateSession_PriceChecks(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.provider.prices["price_monthly"].Active = false

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})
	assert.ErrorAs(t, err, new(*domain.InvalidPriceError))

	f.provider.prices["price_lifetime"].Recurring = true
	_, err = f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanLifetime, UserID: "user_1"})
	assert.ErrorAs(t, err, new(*domain.InvalidPriceError))
}

func TestCreateSession_PriceLookupOutage(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.provider.priceErr = &domain.UpstreamProviderError{Operation: "retrieve price", Retryable: true, OriginalErr: errors.New("503")}

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})

	require.Error(t, err)
	assert.False(t, errors.As(err, new(*domain.InvalidPriceError)))
	assert.ErrorAs(t, err, new(*domain.UpstreamProviderError))
}

func TestCreateSession_RetriesTransientErrors(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	transient := &domain.UpstreamProviderError{Operation: "create checkout session", Retryable: true, OriginalErr: errors.New("502")}
	f.provider.createErrs = []error{transient, transient}

	out, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", out.SessionID)

	require.Equal(t, 3, f.provider.createCalls())
	key := f.provider.sessions[0].IdempotencyKey
	for _, s := range f.provider.sessions {
		assert.Equal(t, key, s.IdempotencyKey)
	}
}

func TestCreateSession_PermanentCreateError(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.provider.createErrs = []error{&domain.UpstreamProviderError{Operation: "create checkout session", ClientFault: true, OriginalErr: errors.New("400")}}

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1", IdempotencyKey: "idem-1"})

	var creationErr *domain.CheckoutCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, 1, f.provider.createCalls())
	assert.Equal(t, "idem-1", f.provider.sessions[0].IdempotencyKey)
	assert.Equal(t, 1, f.metrics.checkout["monthly/failed"])
}

func TestCreateSession_StoreFailure(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.svc.users = &failingRepo{UserRepository: f.users, failGet: true}

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1"})
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, f.provider.createCalls())
}

func TestCreateSession_EmailMergeIsBestEffort(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)
	f.svc.users = &failingRepo{UserRepository: f.users, failMerge: true}

	out, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly, UserID: "user_1", Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", out.SessionID)
}

func TestCreateSession_InvalidInput(t *testing.T) {
	f := newCheckoutFixture(t, config.CancelAtPeriodEnd)

	_, err := f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: "weekly", UserID: "user_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateSession(context.Background(), CheckoutInput{PlanType: models.PlanMonthly})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
