// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
// This implementation uses Google Cloud Firestore for production-grade subscription persistence.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const eventsSubcollection = "events"

// Storage implements entitlement.Storage and entitlement.Transactor using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	keyTTL                  time.Duration
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for user subscriptions.
	// Idempotency keys live in an "events" subcollection of each user document.
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// KeyTTL sets an expiresAt field on idempotency key documents, for use
	// with a Firestore TTL policy (0 = no expiresAt field)
	KeyTTL time.Duration
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		keyTTL:                  config.KeyTTL,
	}, nil
}

// Get implements entitlement.Storage
func (s *Storage) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	snap, err := s.subscriptionDoc(userID).Get(ctx)
	return fromSnapshot(userID, snap, err)
}

// Set implements entitlement.Storage
func (s *Storage) Set(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidEvent)
	}

	if _, err := s.subscriptionDoc(sub.UserID).Set(ctx, toData(sub)); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// CheckAndRecordIdempotencyKey implements entitlement.Storage
func (s *Storage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	_, err := s.keyDoc(userID, key).Create(ctx, s.keyData(key))
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return true, nil
}

// ReleaseIdempotencyKey implements entitlement.Storage
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	if _, err := s.keyDoc(userID, key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Update implements entitlement.Transactor. Firestore retries the
// transaction on contention, so fn may run more than once.
func (s *Storage) Update(ctx context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	doc := s.subscriptionDoc(userID)
	var result *entitlement.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = nil

		// 1. Check idempotency if key provided
		var keyRef *firestore.DocumentRef
		if idempotencyKey != "" {
			keyRef = s.keyDoc(userID, idempotencyKey)
			snap, err := tx.Get(keyRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return entitlement.ErrDuplicateEvent
			}
		}

		// 2. Get current subscription
		snap, err := tx.Get(doc)
		current, err := fromSnapshot(userID, snap, err)
		if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return err
		}

		next, err := fn(current.Clone())
		if err != nil || next == nil {
			return err
		}
		next = next.Clone()
		next.UserID = userID
		next.Version = 1
		if current != nil {
			next.Version = current.Version + 1
		}

		// 3. Write subscription and key together
		if err := tx.Set(doc, toData(next)); err != nil {
			return err
		}
		if keyRef != nil {
			if err := tx.Create(keyRef, s.keyData(idempotencyKey)); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) subscriptionDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(userID)
}

func (s *Storage) keyDoc(userID, key string) *firestore.DocumentRef {
	// document ids may not contain '/'
	return s.subscriptionDoc(userID).Collection(eventsSubcollection).Doc(url.PathEscape(key))
}

func (s *Storage) keyData(key string) map[string]interface{} {
	now := time.Now().UTC()
	data := map[string]interface{}{
		"idempotencyKey": key,
		"recordedAt":     now,
	}
	if s.keyTTL > 0 {
		data["expiresAt"] = now.Add(s.keyTTL)
	}
	return data
}

func toData(sub *entitlement.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"tier":                   string(sub.Tier),
		"status":                 string(sub.Status),
		"startDate":              sub.StartDate,
		"previousTier":           string(sub.PreviousTier),
		"providerPaymentId":      sub.ProviderPaymentID,
		"providerOrderId":        sub.ProviderOrderID,
		"providerSubscriptionId": sub.ProviderSubscriptionID,
		"provider":               sub.Provider,
		"lastEventKey":           sub.LastEventKey,
		"version":                sub.Version,
		"updatedAt":              sub.UpdatedAt,
	}
	if sub.EndDate != nil {
		data["endDate"] = *sub.EndDate
	}
	return data
}

func fromSnapshot(userID string, snap *firestore.DocumentSnapshot, err error) (*entitlement.Subscription, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	data := snap.Data()
	sub := &entitlement.Subscription{
		UserID:                 userID,
		Tier:                   entitlement.Tier(getString(data, "tier")),
		Status:                 entitlement.Status(getString(data, "status")),
		StartDate:              getTime(data, "startDate"),
		PreviousTier:           entitlement.Tier(getString(data, "previousTier")),
		ProviderPaymentID:      getString(data, "providerPaymentId"),
		ProviderOrderID:        getString(data, "providerOrderId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		Provider:               getString(data, "provider"),
		LastEventKey:           getString(data, "lastEventKey"),
		Version:                getInt64(data, "version"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if endDate, ok := data["endDate"].(time.Time); ok && !endDate.IsZero() {
		sub.EndDate = &endDate
	}
	return sub, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
