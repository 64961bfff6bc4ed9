// Package redis provides a Redis implementation of the entitlement.Storage interface.
// Conditional updates use WATCH/MULTI; idempotency keys are recorded with a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.Transactor using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// IdempotencyTTL bounds how long recorded idempotency keys are kept
	// (0 = no expiration). It must exceed the provider's retry window.
	IdempotencyTTL time.Duration

	// MaxRetries is the maximum number of optimistic update attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "goentitle:",
		IdempotencyTTL: 90 * 24 * time.Hour,
		MaxRetries:     3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS[1] = idempotency set, ARGV[1] = key, ARGV[2] = ttl seconds (0 = none)
	// Returns 1 when the key was recorded now, 0 when it already existed.
	s.scripts["recordKey"] = redis.NewScript(`
		local added = redis.call('SADD', KEYS[1], ARGV[1])
		local ttl = tonumber(ARGV[2])
		if added == 1 and ttl > 0 then
			redis.call('EXPIRE', KEYS[1], ttl)
		end
		return added
	`)
}

// Get implements entitlement.Storage
func (s *Storage) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	return s.get(ctx, s.client, userID)
}

func (s *Storage) get(ctx context.Context, c redis.Cmdable, userID string) (*entitlement.Subscription, error) {
	data, err := c.Get(ctx, s.subscriptionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub entitlement.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// Set implements entitlement.Storage
func (s *Storage) Set(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidEvent)
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subscriptionKey(sub.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// CheckAndRecordIdempotencyKey implements entitlement.Storage
func (s *Storage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	ttl := int64(s.config.IdempotencyTTL / time.Second)
	added, err := s.scripts["recordKey"].Run(ctx, s.client, []string{s.idempotencyKey(userID)}, key, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return added == 1, nil
}

// ReleaseIdempotencyKey implements entitlement.Storage
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	if err := s.client.SRem(ctx, s.idempotencyKey(userID), key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Update implements entitlement.Transactor. The subscription and idempotency
// keys are watched; a concurrent write aborts the transaction and fn is rerun
// against the new record, up to MaxRetries times.
func (s *Storage) Update(ctx context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	subKey := s.subscriptionKey(userID)
	idemKey := s.idempotencyKey(userID)

	var result *entitlement.Subscription
	txf := func(tx *redis.Tx) error {
		result = nil
		if idempotencyKey != "" {
			seen, err := tx.SIsMember(ctx, idemKey, idempotencyKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if seen {
				return entitlement.ErrDuplicateEvent
			}
		}

		current, err := s.get(ctx, tx, userID)
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

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, subKey, data, 0)
			if idempotencyKey != "" {
				pipe.SAdd(ctx, idemKey, idempotencyKey)
				if s.config.IdempotencyTTL > 0 {
					pipe.Expire(ctx, idemKey, s.config.IdempotencyTTL)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, subKey, idemKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result.Clone(), nil
	}
	return nil, fmt.Errorf("%w: user %s after %d attempts", entitlement.ErrConflict, userID, s.config.MaxRetries)
}

func (s *Storage) subscriptionKey(userID string) string {
	// hash tag keeps both keys of a user in one cluster slot for WATCH
	return fmt.Sprintf("%ssub:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) idempotencyKey(userID string) string {
	return fmt.Sprintf("%sidem:{%s}", s.config.KeyPrefix, userID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
