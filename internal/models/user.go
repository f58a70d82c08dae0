package models

import "time"

// PlanType тариф пользователя.
type PlanType string

const (
	PlanMonthly  PlanType = "monthly"
	PlanLifetime PlanType = "lifetime"
)

// Valid сообщает, известен ли тариф.
func (p PlanType) Valid() bool {
	return p == PlanMonthly || p == PlanLifetime
}

// AccessStatus определяет доступ к платным функциям.
type AccessStatus string

const (
	StatusActive   AccessStatus = "active"
	StatusInactive AccessStatus = "inactive"
)

// Статусы подписки у провайдера, которые записывает обработчик вебхуков.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

// UserSubscription запись о подписке пользователя. Ключ - внешний UserID.
// Пустая строка или nil означают отсутствие значения.
type UserSubscription struct {
	UserID             string       `json:"userId" db:"user_id" bson:"_id"`
	Email              string       `json:"email,omitempty" db:"email" bson:"email,omitempty"`
	PlanType           PlanType     `json:"planType,omitempty" db:"plan_type" bson:"planType,omitempty"`
	Status             AccessStatus `json:"status,omitempty" db:"status" bson:"status,omitempty"`
	SubscriptionStatus string       `json:"subscriptionStatus,omitempty" db:"subscription_status" bson:"subscriptionStatus,omitempty"`
	SubscriptionID     string       `json:"subscriptionId,omitempty" db:"subscription_id" bson:"subscriptionId,omitempty"`
	CustomerID         string       `json:"customerId,omitempty" db:"customer_id" bson:"customerId,omitempty"`
	SecretKey          string       `json:"secretKey,omitempty" db:"secret_key" bson:"secretKey,omitempty"`
	PaidAt             *time.Time   `json:"paidAt,omitempty" db:"paid_at" bson:"paidAt,omitempty"`
	LastPaymentDate    *time.Time   `json:"lastPaymentDate,omitempty" db:"last_payment_date" bson:"lastPaymentDate,omitempty"`
	CanceledAt         *time.Time   `json:"canceledAt,omitempty" db:"canceled_at" bson:"canceledAt,omitempty"`
	CurrentPeriodEnd   *time.Time   `json:"currentPeriodEnd,omitempty" db:"current_period_end" bson:"currentPeriodEnd,omitempty"`
	CreatedAt          time.Time    `json:"createdAt" db:"created_at" bson:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt" db:"updated_at" bson:"updatedAt"`
}

// IsActive сообщает, есть ли у пользователя доступ.
func (u *UserSubscription) IsActive() bool {
	return u != nil && u.Status == StatusActive
}

// HasLiveMonthly сообщает, есть ли у пользователя действующая месячная подписка.
func (u *UserSubscription) HasLiveMonthly() bool {
	return u.IsActive() && u.PlanType == PlanMonthly && u.SubscriptionID != ""
}

// UserPatch частичное обновление записи. Поля nil и пустые строки не изменяются.
type UserPatch struct {
	Email              *string
	PlanType           *PlanType
	Status             *AccessStatus
	SubscriptionStatus *string
	SubscriptionID     *string
	CustomerID         *string
	// SecretKey записывается только если у записи ключа еще нет.
	SecretKey        *string
	PaidAt           *time.Time
	LastPaymentDate  *time.Time
	CanceledAt       *time.Time
	CurrentPeriodEnd *time.Time
	// ClearSubscriptionID сбрасывает SubscriptionID в null, имеет приоритет над SubscriptionID.
	ClearSubscriptionID bool
}

// IsEmpty сообщает, что патч ничего не меняет.
func (p UserPatch) IsEmpty() bool {
	return p.Email == nil && p.PlanType == nil && p.Status == nil && p.SubscriptionStatus == nil &&
		p.SubscriptionID == nil && p.CustomerID == nil && p.SecretKey == nil && p.PaidAt == nil &&
		p.LastPaymentDate == nil && p.CanceledAt == nil && p.CurrentPeriodEnd == nil && !p.ClearSubscriptionID
}

// Apply применяет патч к записи по правилам слияния и возвращает результат.
// Используется хранилищами без нативного частичного обновления.
func (p UserPatch) Apply(u UserSubscription, now time.Time) UserSubscription {
	if p.Email != nil && *p.Email != "" {
		u.Email = *p.Email
	}
	if p.PlanType != nil && *p.PlanType != "" {
		u.PlanType = *p.PlanType
	}
	if p.Status != nil && *p.Status != "" {
		u.Status = *p.Status
	}
	if p.SubscriptionStatus != nil && *p.SubscriptionStatus != "" {
		u.SubscriptionStatus = *p.SubscriptionStatus
	}
	if p.ClearSubscriptionID {
		u.SubscriptionID = ""
	} else if p.SubscriptionID != nil && *p.SubscriptionID != "" {
		u.SubscriptionID = *p.SubscriptionID
	}
	if p.CustomerID != nil && *p.CustomerID != "" {
		u.CustomerID = *p.CustomerID
	}
	if p.SecretKey != nil && *p.SecretKey != "" && u.SecretKey == "" {
		u.SecretKey = *p.SecretKey
	}
	if p.PaidAt != nil {
		u.PaidAt = utc(p.PaidAt)
	}
	if p.LastPaymentDate != nil {
		u.LastPaymentDate = utc(p.LastPaymentDate)
	}
	if p.CanceledAt != nil {
		u.CanceledAt = utc(p.CanceledAt)
	}
	if p.CurrentPeriodEnd != nil {
		u.CurrentPeriodEnd = utc(p.CurrentPeriodEnd)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return u
}

func utc(t *time.Time) *time.Time {
	v := t.UTC()
	return &v
}

// Ptr возвращает указатель на значение. Удобно для построения UserPatch.
func Ptr[T any](v T) *T {
	return &v
}
