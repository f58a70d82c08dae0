package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dhoini/friday-billing/internal/config"
	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/internal/metrics"
	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/internal/repository"
	"github.com/Dhoini/friday-billing/internal/stripe"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// CheckoutInput запрос на создание checkout-сессии
type CheckoutInput struct {
	PlanType models.PlanType
	UserID   string
	Email    string
	// IsUpgrade значение от клиента. Сервис вычисляет его сам, расхождение только логируется.
	IsUpgrade      *bool
	IdempotencyKey string
}

// CheckoutOutput результат создания checkout-сессии
type CheckoutOutput struct {
	SessionID string
	IsUpgrade bool
}

// CheckoutService создает checkout-сессии провайдера с учетом текущего тарифа пользователя.
type CheckoutService struct {
	cfg      *config.Config
	users    repository.UserRepository
	provider stripe.Client
	metrics  metrics.BillingMetrics
	log      *logger.Logger
	backOff  func() backoff.BackOff
}

// NewCheckoutService конструктор сервиса
func NewCheckoutService(
	cfg *config.Config,
	users repository.UserRepository,
	provider stripe.Client,
	m metrics.BillingMetrics,
	log *logger.Logger,
) *CheckoutService {
	return &CheckoutService{
		cfg:      cfg,
		users:    users,
		provider: provider,
		metrics:  m,
		log:      log,
		backOff:  newProviderBackOff,
	}
}

func newProviderBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 1 * time.Minute
	bo.Reset()
	return bo
}

// CreateSession создает checkout-сессию для тарифа in.PlanType.
func (s *CheckoutService) CreateSession(ctx context.Context, in CheckoutInput) (*CheckoutOutput, error) {
	if in.UserID == "" || !in.PlanType.Valid() {
		return nil, fmt.Errorf("%w: userId and a valid planType are required", domain.ErrInvalidInput)
	}
	plan := string(in.PlanType)

	priceID, err := s.priceFor(in.PlanType)
	if err != nil {
		s.log.Errorw("Price is not configured for plan", "planType", plan, "error", err)
		s.metrics.IncCheckoutSession(plan, metrics.CheckoutConfigError)
		return nil, err
	}

	user, err := s.users.Get(ctx, in.UserID)
	if err != nil {
		s.log.Errorw("Failed to load user record", "userID", in.UserID, "error", err)
		s.metrics.IncCheckoutSession(plan, metrics.CheckoutFailed)
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}

	if dup := duplicatePlan(user, in.PlanType); dup != nil {
		s.log.Warnw("Rejected checkout for already active plan", "userID", in.UserID, "activePlan", user.PlanType, "requestedPlan", plan)
		s.metrics.IncCheckoutSession(plan, metrics.CheckoutDuplicate)
		return nil, dup
	}

	// Цена проверяется до отмены месячной подписки
	if err := s.checkPrice(ctx, priceID, in.PlanType); err != nil {
		if errors.As(err, new(*domain.InvalidPriceError)) {
			s.metrics.IncCheckoutSession(plan, metrics.CheckoutInvalidPrice)
		} else {
			s.metrics.IncCheckoutSession(plan, metrics.CheckoutFailed)
		}
		return nil, err
	}

	isUpgrade := in.PlanType == models.PlanLifetime && user.HasLiveMonthly()
	if in.IsUpgrade != nil && *in.IsUpgrade != isUpgrade {
		s.log.Warnw("Client isUpgrade flag disagrees with stored state", "userID", in.UserID, "client", *in.IsUpgrade, "derived", isUpgrade)
	}
	if isUpgrade {
		s.terminateMonthly(ctx, in.UserID, user.SubscriptionID)
	}

	email := in.Email
	if email != "" {
		if err := s.users.Merge(ctx, in.UserID, models.UserPatch{Email: models.Ptr(email)}); err != nil {
			s.log.Warnw("Failed to store email on checkout", "userID", in.UserID, "error", err)
		}
	} else if user != nil {
		email = user.Email
	}

	params := s.sessionParams(in, priceID, email, user, isUpgrade)
	sessionID, err := s.createWithRetry(ctx, params)
	if err != nil {
		s.metrics.IncCheckoutSession(plan, metrics.CheckoutFailed)
		return nil, &domain.CheckoutCreationError{OriginalErr: err}
	}

	s.metrics.IncCheckoutSession(plan, metrics.CheckoutCreated)
	s.log.Infow("Checkout session created", "userID", in.UserID, "planType", plan, "sessionID", sessionID, "isUpgrade", isUpgrade)
	return &CheckoutOutput{SessionID: sessionID, IsUpgrade: isUpgrade}, nil
}

func (s *CheckoutService) priceFor(plan models.PlanType) (string, error) {
	switch plan {
	case models.PlanMonthly:
		if s.cfg.Stripe.MonthlyPriceID == "" {
			return "", &domain.ConfigurationError{Key: "stripe.monthlyPriceId"}
		}
		return s.cfg.Stripe.MonthlyPriceID, nil
	case models.PlanLifetime:
		if s.cfg.Stripe.LifetimePriceID == "" {
			return "", &domain.ConfigurationError{Key: "stripe.lifetimePriceId"}
		}
		return s.cfg.Stripe.LifetimePriceID, nil
	}
	return "", fmt.Errorf("%w: unknown plan %q", domain.ErrInvalidInput, plan)
}

// duplicatePlan возвращает ошибку, если активный тариф уже покрывает запрошенный.
// Повторная покупка после отмены (status=inactive) разрешена.
func duplicatePlan(u *models.UserSubscription, requested models.PlanType) error {
	if !u.IsActive() {
		return nil
	}
	if u.PlanType == requested || (u.PlanType == models.PlanLifetime && requested == models.PlanMonthly) {
		return &domain.DuplicateSubscriptionError{
			UserID:      u.UserID,
			ActivePlan:  string(u.PlanType),
			RequestPlan: string(requested),
		}
	}
	return nil
}

// terminateMonthly применяет политику отмены месячной подписки при переходе на lifetime.
// Ошибки не прерывают создание сессии: политика повторно применяется при завершении оплаты.
func (s *CheckoutService) terminateMonthly(ctx context.Context, userID, subscriptionID string) {
	switch s.cfg.Billing.UpgradeCancelPolicy {
	case config.CancelImmediately:
		if err := s.provider.CancelSubscription(ctx, subscriptionID); err != nil {
			s.log.Errorw("Failed to cancel monthly subscription on upgrade", "userID", userID, "subscriptionID", subscriptionID, "error", err)
			return
		}
		patch := models.UserPatch{
			SubscriptionStatus:  models.Ptr(models.SubscriptionStatusCanceled),
			ClearSubscriptionID: true,
		}
		if err := s.users.Merge(ctx, userID, patch); err != nil {
			s.log.Errorw("Failed to clear subscription after cancellation", "userID", userID, "subscriptionID", subscriptionID, "error", err)
		}
	default:
		update := stripe.SubscriptionUpdate{CancelAtPeriodEnd: models.Ptr(true)}
		if err := s.provider.UpdateSubscription(ctx, subscriptionID, update); err != nil {
			s.log.Errorw("Failed to schedule monthly subscription cancellation on upgrade", "userID", userID, "subscriptionID", subscriptionID, "error", err)
		}
	}
}

// checkPrice проверяет, что цена существует, активна и соответствует режиму оплаты тарифа.
func (s *CheckoutService) checkPrice(ctx context.Context, priceID string, plan models.PlanType) error {
	price, err := s.provider.RetrievePrice(ctx, priceID)
	if err != nil {
		var upstream *domain.UpstreamProviderError
		if errors.As(err, &upstream) && upstream.ClientFault {
			return &domain.InvalidPriceError{PriceID: priceID, OriginalErr: err}
		}
		s.log.Errorw("Failed to retrieve price", "priceID", priceID, "error", err)
		return err
	}
	if !price.Active {
		return &domain.InvalidPriceError{PriceID: priceID, OriginalErr: errors.New("price is not active")}
	}
	if price.Recurring != (plan == models.PlanMonthly) {
		return &domain.InvalidPriceError{
			PriceID:     priceID,
			OriginalErr: fmt.Errorf("price billing type does not match %s plan", plan),
		}
	}
	return nil
}

func (s *CheckoutService) sessionParams(in CheckoutInput, priceID, email string, user *models.UserSubscription, isUpgrade bool) stripe.CheckoutParams {
	mode := stripe.ModePayment
	if in.PlanType == models.PlanMonthly {
		mode = stripe.ModeSubscription
	}

	metadata := map[string]string{
		stripe.MetadataUserID:    in.UserID,
		stripe.MetadataPlanType:  string(in.PlanType),
		stripe.MetadataIsUpgrade: strconv.FormatBool(isUpgrade),
	}
	if email != "" {
		metadata[stripe.MetadataUserEmail] = email
	}
	if isUpgrade {
		metadata[stripe.MetadataPreviousPlan] = string(user.PlanType)
	}

	params := stripe.CheckoutParams{
		PriceID:           priceID,
		Mode:              mode,
		SuccessURL:        s.cfg.App.URL + "/dashboard?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         s.cfg.App.URL + "/dashboard?canceled=true",
		ClientReferenceID: in.UserID,
		CustomerEmail:     email,
		Metadata:          metadata,
		IdempotencyKey:    in.IdempotencyKey,
	}
	if user != nil && user.CustomerID != "" {
		params.CustomerID = user.CustomerID
	}
	if mode == stripe.ModeSubscription {
		params.SubscriptionMetadata = map[string]string{
			stripe.MetadataUserID:   in.UserID,
			stripe.MetadataPlanType: string(in.PlanType),
		}
	}
	// Повторы внутри одного запроса не должны порождать несколько сессий
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}
	return params
}

// createWithRetry повторяет создание сессии на временных ошибках провайдера.
func (s *CheckoutService) createWithRetry(ctx context.Context, params stripe.CheckoutParams) (string, error) {
	var sessionID string
	var lastErr error

	operation := func() error {
		id, err := s.provider.CreateCheckoutSession(ctx, params)
		lastErr = err
		if err != nil {
			var upstream *domain.UpstreamProviderError
			if errors.As(err, &upstream) && upstream.Retryable {
				s.log.Warnw("Retryable provider error, retrying checkout session creation", "userID", params.ClientReferenceID, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		sessionID = id
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.backOff(), ctx)); err != nil {
		s.log.Errorw("Failed to create checkout session after retries", "userID", params.ClientReferenceID, "error", lastErr)
		if lastErr == nil {
			lastErr = err
		}
		return "", lastErr
	}
	return sessionID, nil
}
