package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/jmoiron/sqlx"
)

const userColumns = `user_id, email, plan_type, status, subscription_status, subscription_id, customer_id,
               secret_key, paid_at, last_payment_date, canceled_at, current_period_end, created_at, updated_at`

// mergeUserQuery создает запись или сливает непустые поля патча с существующей.
// secret_key сохраняет уже записанное значение.
const mergeUserQuery = `
        INSERT INTO users (
            user_id, email, plan_type, status, subscription_status, subscription_id, customer_id,
            secret_key, paid_at, last_payment_date, canceled_at, current_period_end, created_at, updated_at
        ) VALUES (
            :user_id, :email, :plan_type, :status, :subscription_status, :subscription_id, :customer_id,
            :secret_key, :paid_at, :last_payment_date, :canceled_at, :current_period_end, :now, :now
        )
        ON CONFLICT (user_id) DO UPDATE SET
            email               = COALESCE(EXCLUDED.email, users.email),
            plan_type           = COALESCE(EXCLUDED.plan_type, users.plan_type),
            status              = COALESCE(EXCLUDED.status, users.status),
            subscription_status = COALESCE(EXCLUDED.subscription_status, users.subscription_status),
            subscription_id     = CASE WHEN :clear_subscription THEN NULL
                                       ELSE COALESCE(EXCLUDED.subscription_id, users.subscription_id) END,
            customer_id         = COALESCE(EXCLUDED.customer_id, users.customer_id),
            secret_key          = COALESCE(users.secret_key, EXCLUDED.secret_key),
            paid_at             = COALESCE(EXCLUDED.paid_at, users.paid_at),
            last_payment_date   = COALESCE(EXCLUDED.last_payment_date, users.last_payment_date),
            canceled_at         = COALESCE(EXCLUDED.canceled_at, users.canceled_at),
            current_period_end  = COALESCE(EXCLUDED.current_period_end, users.current_period_end),
            updated_at          = EXCLUDED.updated_at`

// userRow строка таблицы users, NULL-колонки как указатели.
type userRow struct {
	UserID             string     `db:"user_id"`
	Email              *string    `db:"email"`
	PlanType           *string    `db:"plan_type"`
	Status             *string    `db:"status"`
	SubscriptionStatus *string    `db:"subscription_status"`
	SubscriptionID     *string    `db:"subscription_id"`
	CustomerID         *string    `db:"customer_id"`
	SecretKey          *string    `db:"secret_key"`
	PaidAt             *time.Time `db:"paid_at"`
	LastPaymentDate    *time.Time `db:"last_payment_date"`
	CanceledAt         *time.Time `db:"canceled_at"`
	CurrentPeriodEnd   *time.Time `db:"current_period_end"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r userRow) toModel() models.UserSubscription {
	return models.UserSubscription{
		UserID:             r.UserID,
		Email:              deref(r.Email),
		PlanType:           models.PlanType(deref(r.PlanType)),
		Status:             models.AccessStatus(deref(r.Status)),
		SubscriptionStatus: deref(r.SubscriptionStatus),
		SubscriptionID:     deref(r.SubscriptionID),
		CustomerID:         deref(r.CustomerID),
		SecretKey:          deref(r.SecretKey),
		PaidAt:             r.PaidAt,
		LastPaymentDate:    r.LastPaymentDate,
		CanceledAt:         r.CanceledAt,
		CurrentPeriodEnd:   r.CurrentPeriodEnd,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// mergeParams параметры mergeUserQuery.
type mergeParams struct {
	UserID             string     `db:"user_id"`
	Email              *string    `db:"email"`
	PlanType           *string    `db:"plan_type"`
	Status             *string    `db:"status"`
	SubscriptionStatus *string    `db:"subscription_status"`
	SubscriptionID     *string    `db:"subscription_id"`
	CustomerID         *string    `db:"customer_id"`
	SecretKey          *string    `db:"secret_key"`
	PaidAt             *time.Time `db:"paid_at"`
	LastPaymentDate    *time.Time `db:"last_payment_date"`
	CanceledAt         *time.Time `db:"canceled_at"`
	CurrentPeriodEnd   *time.Time `db:"current_period_end"`
	ClearSubscription  bool       `db:"clear_subscription"`
	Now                time.Time  `db:"now"`
}

func newMergeParams(userID string, p models.UserPatch, now time.Time) mergeParams {
	params := mergeParams{
		UserID:             userID,
		Email:              nonEmpty(p.Email),
		SubscriptionStatus: nonEmpty(p.SubscriptionStatus),
		CustomerID:         nonEmpty(p.CustomerID),
		SecretKey:          nonEmpty(p.SecretKey),
		PaidAt:             p.PaidAt,
		LastPaymentDate:    p.LastPaymentDate,
		CanceledAt:         p.CanceledAt,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		ClearSubscription:  p.ClearSubscriptionID,
		Now:                now,
	}
	if p.PlanType != nil {
		params.PlanType = nonEmpty(models.Ptr(string(*p.PlanType)))
	}
	if p.Status != nil {
		params.Status = nonEmpty(models.Ptr(string(*p.Status)))
	}
	if !p.ClearSubscriptionID {
		params.SubscriptionID = nonEmpty(p.SubscriptionID)
	}
	return params
}

// postgresUserRepo реализует UserRepository для PostgreSQL.
type postgresUserRepo struct {
	db  *sqlx.DB
	log *logger.Logger
	now func() time.Time
}

// NewPostgresUserRepository создает новый экземпляр репозитория для PostgreSQL.
func NewPostgresUserRepository(db *sqlx.DB, log *logger.Logger) UserRepository {
	return &postgresUserRepo{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get возвращает запись пользователя по его ID.
func (r *postgresUserRepo) Get(ctx context.Context, userID string) (*models.UserSubscription, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	var row userRow
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = $1`
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Debugw("User record not found", "userID", userID)
			return nil, nil
		}
		r.log.Errorw("Failed to get user record from DB", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get user %s: %w", userID, err)
	}

	u := row.toModel()
	return &u, nil
}

// Merge выполняет upsert с частичным обновлением.
func (r *postgresUserRepo) Merge(ctx context.Context, userID string, patch models.UserPatch) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	params := newMergeParams(userID, patch, r.now())
	if _, err := r.db.NamedExecContext(ctx, mergeUserQuery, params); err != nil {
		r.log.Errorw("Failed to merge user record in DB", "error", err, "userID", userID)
		return fmt.Errorf("repository: failed to merge user %s: %w", userID, err)
	}

	r.log.Debugw("User record merged", "userID", userID)
	return nil
}

// FindBy ищет записи по customer_id или subscription_id.
func (r *postgresUserRepo) FindBy(ctx context.Context, field LookupField, value string) ([]models.UserSubscription, error) {
	if err := validateLookup(field, value); err != nil {
		return nil, err
	}

	// field проверен validateLookup, подстановка безопасна
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + string(field) + ` = $1 ORDER BY user_id`

	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query, value); err != nil {
		r.log.Errorw("Failed to find user records in DB", "error", err, "field", field, "value", value)
		return nil, fmt.Errorf("repository: failed to find users by %s: %w", field, err)
	}

	out := make([]models.UserSubscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// Ping проверяет соединение с базой данных.
func (r *postgresUserRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
