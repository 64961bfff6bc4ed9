// Package mongo provides a MongoDB implementation of the entitlement.Storage interface.
// It does not require a replica set: conditional updates use a version guard
// on the subscription document and a unique _id on idempotency key documents.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.Transactor using MongoDB
type Storage struct {
	subscriptions *mongo.Collection
	keys          *mongo.Collection
	config        Config
}

// Config holds MongoDB storage configuration
type Config struct {
	// SubscriptionsCollection defaults to "subscriptions"
	SubscriptionsCollection string

	// KeysCollection defaults to "idempotency_keys"
	KeysCollection string

	// KeyTTL creates a TTL index on recorded keys (0 = keep forever)
	KeyTTL time.Duration

	// MaxRetries is the maximum number of optimistic update attempts (default: 3)
	MaxRetries int
}

type subscriptionDocument struct {
	UserID                 string     `bson:"_id"`
	Tier                   string     `bson:"tier"`
	Status                 string     `bson:"status"`
	StartDate              time.Time  `bson:"start_date"`
	EndDate                *time.Time `bson:"end_date,omitempty"`
	PreviousTier           string     `bson:"previous_tier,omitempty"`
	ProviderPaymentID      string     `bson:"provider_payment_id,omitempty"`
	ProviderOrderID        string     `bson:"provider_order_id,omitempty"`
	ProviderSubscriptionID string     `bson:"provider_subscription_id,omitempty"`
	Provider               string     `bson:"provider,omitempty"`
	LastEventKey           string     `bson:"last_event_key,omitempty"`
	Version                int64      `bson:"version"`
	UpdatedAt              time.Time  `bson:"updated_at"`
}

// keyRef is the composite _id of a recorded idempotency key.
type keyRef struct {
	UserID string `bson:"user_id"`
	Key    string `bson:"key"`
}

type keyDocument struct {
	ID         keyRef    `bson:"_id"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// New creates a new MongoDB storage adapter on db and ensures its indexes.
func New(ctx context.Context, db *mongo.Database, config Config) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo database is required")
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.KeysCollection == "" {
		config.KeysCollection = "idempotency_keys"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		subscriptions: db.Collection(config.SubscriptionsCollection),
		keys:          db.Collection(config.KeysCollection),
		config:        config,
	}

	if config.KeyTTL > 0 {
		_, err := s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "recorded_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(config.KeyTTL / time.Second)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create key ttl index: %w", err)
		}
	}
	return s, nil
}

// Get implements entitlement.Storage
func (s *Storage) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	var doc subscriptionDocument
	err := s.subscriptions.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return doc.subscription(), nil
}

// Set implements entitlement.Storage
func (s *Storage) Set(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidEvent)
	}
	_, err := s.subscriptions.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: sub.UserID}},
		toDocument(sub),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// CheckAndRecordIdempotencyKey implements entitlement.Storage
func (s *Storage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	_, err := s.keys.InsertOne(ctx, keyDocument{
		ID:         keyRef{UserID: userID, Key: key},
		RecordedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return true, nil
}

// ReleaseIdempotencyKey implements entitlement.Storage
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	_, err := s.keys.DeleteOne(ctx, bson.D{{Key: "_id", Value: keyRef{UserID: userID, Key: key}}})
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Update implements entitlement.Transactor. The key is inserted first and
// removed again if the subscription write does not happen, so concurrent
// deliveries of one key are serialized by the unique _id.
func (s *Storage) Update(ctx context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	if idempotencyKey != "" {
		fresh, err := s.CheckAndRecordIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return nil, entitlement.ErrDuplicateEvent
		}
	}

	sub, err := s.update(ctx, userID, fn)
	if idempotencyKey != "" && (err != nil || sub == nil) {
		if relErr := s.ReleaseIdempotencyKey(ctx, userID, idempotencyKey); relErr != nil {
			return nil, errors.Join(err, relErr)
		}
	}
	return sub, err
}

func (s *Storage) update(ctx context.Context, userID string, fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		current, err := s.Get(ctx, userID)
		if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return nil, err
		}

		next, err := fn(current.Clone())
		if err != nil || next == nil {
			return nil, err
		}
		next = next.Clone()
		next.UserID = userID

		if current == nil {
			next.Version = 1
			_, err := s.subscriptions.InsertOne(ctx, toDocument(next))
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to insert subscription: %w", err)
			}
			return next, nil
		}

		next.Version = current.Version + 1
		res, err := s.subscriptions.ReplaceOne(ctx,
			bson.D{{Key: "_id", Value: userID}, {Key: "version", Value: current.Version}},
			toDocument(next),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to replace subscription: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s after %d attempts", entitlement.ErrConflict, userID, s.config.MaxRetries)
}

func toDocument(sub *entitlement.Subscription) subscriptionDocument {
	return subscriptionDocument{
		UserID:                 sub.UserID,
		Tier:                   string(sub.Tier),
		Status:                 string(sub.Status),
		StartDate:              sub.StartDate.UTC(),
		EndDate:                sub.EndDate,
		PreviousTier:           string(sub.PreviousTier),
		ProviderPaymentID:      sub.ProviderPaymentID,
		ProviderOrderID:        sub.ProviderOrderID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Provider:               sub.Provider,
		LastEventKey:           sub.LastEventKey,
		Version:                sub.Version,
		UpdatedAt:              sub.UpdatedAt.UTC(),
	}
}

func (d subscriptionDocument) subscription() *entitlement.Subscription {
	sub := &entitlement.Subscription{
		UserID:                 d.UserID,
		Tier:                   entitlement.Tier(d.Tier),
		Status:                 entitlement.Status(d.Status),
		StartDate:              d.StartDate,
		PreviousTier:           entitlement.Tier(d.PreviousTier),
		ProviderPaymentID:      d.ProviderPaymentID,
		ProviderOrderID:        d.ProviderOrderID,
		ProviderSubscriptionID: d.ProviderSubscriptionID,
		Provider:               d.Provider,
		LastEventKey:           d.LastEventKey,
		Version:                d.Version,
		UpdatedAt:              d.UpdatedAt,
	}
	if d.EndDate != nil {
		end := d.EndDate.UTC()
		sub.EndDate = &end
	}
	return sub
}

// ListUserIDs returns the users holding a paid tier. It satisfies
// billing.UserLister.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.subscriptions.Find(ctx,
		bson.D{{Key: "tier", Value: bson.D{{Key: "$ne", Value: string(entitlement.TierFree)}}}},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return ids, nil
}
