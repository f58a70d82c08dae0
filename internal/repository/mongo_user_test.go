package repository

import (
	"testing"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func stageFields(t *testing.T, stage bson.D, op string) bson.D {
	t.Helper()
	require.Len(t, stage, 1)
	require.Equal(t, op, stage[0].Key)
	fields, ok := stage[0].Value.(bson.D)
	require.True(t, ok)
	return fields
}

func fieldValue(fields bson.D, key string) (any, bool) {
	for _, e := range fields {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func TestMergePipeline_SetsOnlyPatchedFields(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pipeline := mergePipeline(models.UserPatch{
		Email:      models.Ptr("u1@example.com"),
		Status:     models.Ptr(models.StatusActive),
		CustomerID: models.Ptr(""),
		SecretKey:  models.Ptr("key"),
	}, now)

	require.Len(t, pipeline, 1)
	set := stageFields(t, pipeline[0], "$set")

	email, ok := fieldValue(set, "email")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "$literal", Value: "u1@example.com"}}, email)

	_, ok = fieldValue(set, "customerId")
	assert.False(t, ok, "empty values must not overwrite stored fields")
	_, ok = fieldValue(set, "planType")
	assert.False(t, ok)

	secret, ok := fieldValue(set, "secretKey")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "$ifNull", Value: bson.A{"$secretKey", "key"}}}, secret)

	updated, ok := fieldValue(set, "updatedAt")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "$literal", Value: now}}, updated)
}

func TestMergePipeline_ClearSubscription(t *testing.T) {
	pipeline := mergePipeline(models.UserPatch{
		SubscriptionID:      models.Ptr("sub_2"),
		ClearSubscriptionID: true,
	}, time.Now())

	require.Len(t, pipeline, 2)
	set := stageFields(t, pipeline[0], "$set")
	_, ok := fieldValue(set, "subscriptionId")
	assert.False(t, ok)

	require.Len(t, pipeline[1], 1)
	assert.Equal(t, "$unset", pipeline[1][0].Key)
	assert.Equal(t, "subscriptionId", pipeline[1][0].Value)
}
