package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/models"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const usersCollection = "users"

// Имена полей документа для LookupField.
var mongoLookupFields = map[LookupField]string{
	ByCustomerID:     "customerId",
	BySubscriptionID: "subscriptionId",
}

// mongoUserRepo реализует UserRepository поверх коллекции MongoDB.
// Документ повторяет модель: ключ _id равен userId.
type mongoUserRepo struct {
	coll *mongo.Collection
	log  *logger.Logger
	now  func() time.Time
}

// NewMongoClient подключается к MongoDB и проверяет соединение.
func NewMongoClient(ctx context.Context, uri string, log *logger.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Infow("Connected to MongoDB successfully")
	return client, nil
}

// NewMongoUserRepository создает репозиторий поверх базы db.
func NewMongoUserRepository(ctx context.Context, db *mongo.Database, log *logger.Logger) (UserRepository, error) {
	coll := db.Collection(usersCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "customerId", Value: 1}}},
		{Keys: bson.D{{Key: "subscriptionId", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user indexes: %w", err)
	}

	return &mongoUserRepo{
		coll: coll,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *mongoUserRepo) Get(ctx context.Context, userID string) (*models.UserSubscription, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	var u models.UserSubscription
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		r.log.Errorw("Failed to get user record from MongoDB", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get user %s: %w", userID, err)
	}
	return &u, nil
}

func (r *mongoUserRepo) Merge(ctx context.Context, userID string, patch models.UserPatch) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	_, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		mergePipeline(patch, r.now()),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		r.log.Errorw("Failed to merge user record in MongoDB", "error", err, "userID", userID)
		return fmt.Errorf("repository: failed to merge user %s: %w", userID, err)
	}
	return nil
}

func (r *mongoUserRepo) FindBy(ctx context.Context, field LookupField, value string) ([]models.UserSubscription, error) {
	if err := validateLookup(field, value); err != nil {
		return nil, err
	}

	cur, err := r.coll.Find(ctx,
		bson.D{{Key: mongoLookupFields[field], Value: value}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		r.log.Errorw("Failed to find user records in MongoDB", "error", err, "field", field)
		return nil, fmt.Errorf("repository: failed to find users by %s: %w", field, err)
	}

	var out []models.UserSubscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("repository: failed to decode users by %s: %w", field, err)
	}
	return out, nil
}

func (r *mongoUserRepo) Ping(ctx context.Context) error {
	if err := r.coll.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// mergePipeline строит update pipeline для UpdateOne.
// Значения оборачиваются в $literal, secretKey пишется через $ifNull.
func mergePipeline(p models.UserPatch, now time.Time) mongo.Pipeline {
	set := bson.D{}
	add := func(key string, v any) {
		set = append(set, bson.E{Key: key, Value: bson.D{{Key: "$literal", Value: v}}})
	}

	if v := nonEmpty(p.Email); v != nil {
		add("email", *v)
	}
	if p.PlanType != nil && *p.PlanType != "" {
		add("planType", string(*p.PlanType))
	}
	if p.Status != nil && *p.Status != "" {
		add("status", string(*p.Status))
	}
	if v := nonEmpty(p.SubscriptionStatus); v != nil {
		add("subscriptionStatus", *v)
	}
	if v := nonEmpty(p.SubscriptionID); v != nil && !p.ClearSubscriptionID {
		add("subscriptionId", *v)
	}
	if v := nonEmpty(p.CustomerID); v != nil {
		add("customerId", *v)
	}
	if v := nonEmpty(p.SecretKey); v != nil {
		set = append(set, bson.E{Key: "secretKey", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$secretKey", *v}}}})
	}
	for _, f := range []struct {
		key string
		t   *time.Time
	}{
		{"paidAt", p.PaidAt},
		{"lastPaymentDate", p.LastPaymentDate},
		{"canceledAt", p.CanceledAt},
		{"currentPeriodEnd", p.CurrentPeriodEnd},
	} {
		if f.t != nil {
			add(f.key, f.t.UTC())
		}
	}
	set = append(set,
		bson.E{Key: "createdAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$createdAt", now}}}},
		bson.E{Key: "updatedAt", Value: bson.D{{Key: "$literal", Value: now}}},
	)

	pipeline := mongo.Pipeline{bson.D{{Key: "$set", Value: set}}}
	if p.ClearSubscriptionID {
		pipeline = append(pipeline, bson.D{{Key: "$unset", Value: "subscriptionId"}})
	}
	return pipeline
}
