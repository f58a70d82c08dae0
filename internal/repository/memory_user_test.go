package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMerge_CreatesAndMerges(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	u, err := repo.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, repo.Merge(ctx, "user_1", models.UserPatch{
		Email:          models.Ptr("u1@example.com"),
		PlanType:       models.Ptr(models.PlanMonthly),
		Status:         models.Ptr(models.StatusActive),
		SubscriptionID: models.Ptr("sub_1"),
		CustomerID:     models.Ptr("cus_1"),
		SecretKey:      models.Ptr("first"),
	}))

	require.NoError(t, repo.Merge(ctx, "user_1", models.UserPatch{
		SubscriptionStatus: models.Ptr(models.SubscriptionStatusActive),
		LastPaymentDate:    models.Ptr(time.Now()),
		SecretKey:          models.Ptr("second"),
	}))

	u, err = repo.Get(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "first", u.SecretKey)
	assert.Equal(t, models.PlanMonthly, u.PlanType)
	assert.Equal(t, "cus_1", u.CustomerID)
	assert.Equal(t, "sub_1", u.SubscriptionID)
	assert.Equal(t, "u1@example.com", u.Email)
	assert.Equal(t, models.SubscriptionStatusActive, u.SubscriptionStatus)
	assert.NotNil(t, u.LastPaymentDate)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestMemoryMerge_ClearSubscription(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	require.NoError(t, repo.Merge(ctx, "user_1", models.UserPatch{SubscriptionID: models.Ptr("sub_1")}))
	require.NoError(t, repo.Merge(ctx, "user_1", models.UserPatch{
		PlanType:            models.Ptr(models.PlanLifetime),
		ClearSubscriptionID: true,
	}))

	u, err := repo.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, u.SubscriptionID)

	found, err := repo.FindBy(ctx, BySubscriptionID, "sub_1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryFindBy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	require.NoError(t, repo.Merge(ctx, "user_b", models.UserPatch{CustomerID: models.Ptr("cus_shared")}))
	require.NoError(t, repo.Merge(ctx, "user_a", models.UserPatch{CustomerID: models.Ptr("cus_shared")}))
	require.NoError(t, repo.Merge(ctx, "user_c", models.UserPatch{CustomerID: models.Ptr("cus_other")}))

	found, err := repo.FindBy(ctx, ByCustomerID, "cus_shared")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "user_a", found[0].UserID)
	assert.Equal(t, "user_b", found[1].UserID)

	_, err = repo.FindBy(ctx, ByCustomerID, "")
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestMemoryGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()
	require.NoError(t, repo.Merge(ctx, "user_1", models.UserPatch{Email: models.Ptr("a@example.com")}))

	u, err := repo.Get(ctx, "user_1")
	require.NoError(t, err)
	u.Email = "mutated@example.com"

	again, err := repo.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", again.Email)
}
