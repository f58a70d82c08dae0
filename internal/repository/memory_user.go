package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
)

// memoryUserRepo реализует UserRepository в памяти процесса.
type memoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]models.UserSubscription
	now   func() time.Time
}

// NewMemoryUserRepository создает хранилище в памяти.
func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepo{
		users: make(map[string]models.UserSubscription),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryUserRepo) Get(_ context.Context, userID string) (*models.UserSubscription, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *memoryUserRepo) Merge(_ context.Context, userID string, patch models.UserPatch) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.users[userID]
	u.UserID = userID
	r.users[userID] = patch.Apply(u, r.now())
	return nil
}

func (r *memoryUserRepo) FindBy(_ context.Context, field LookupField, value string) ([]models.UserSubscription, error) {
	if err := validateLookup(field, value); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.UserSubscription
	for _, u := range r.users {
		var got string
		switch field {
		case ByCustomerID:
			got = u.CustomerID
		case BySubscriptionID:
			got = u.SubscriptionID
		}
		if got == value {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *memoryUserRepo) Ping(context.Context) error {
	return nil
}
