// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Conditional updates run in a transaction with SELECT FOR UPDATE on the subscription row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Schema creates the tables used by Storage. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id                  TEXT PRIMARY KEY,
	tier                     TEXT NOT NULL,
	status                   TEXT NOT NULL,
	start_date               TIMESTAMPTZ NOT NULL,
	end_date                 TIMESTAMPTZ,
	previous_tier            TEXT NOT NULL DEFAULT '',
	provider_payment_id      TEXT NOT NULL DEFAULT '',
	provider_order_id        TEXT NOT NULL DEFAULT '',
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	provider                 TEXT NOT NULL DEFAULT '',
	last_event_key           TEXT NOT NULL DEFAULT '',
	version                  BIGINT NOT NULL DEFAULT 0,
	updated_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	user_id     TEXT NOT NULL,
	event_key   TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	PRIMARY KEY (user_id, event_key)
);

CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at ON idempotency_keys (expires_at);
`

const selectColumns = `user_id, tier, status, start_date, end_date, previous_tier,
	provider_payment_id, provider_order_id, provider_subscription_id, provider,
	last_event_key, version, updated_at`

// Storage implements entitlement.Storage and entitlement.Transactor using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	KeyTTL          time.Duration // TTL for idempotency keys (0 = keep forever)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		KeyTTL:          90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if _, err := pool.Exec(ctx, Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.KeyTTL > 0 && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get implements entitlement.Storage
func (s *Storage) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE user_id = $1`, userID))
}

// Set implements entitlement.Storage
func (s *Storage) Set(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidEvent)
	}
	if err := upsert(ctx, s.pool, sub); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// CheckAndRecordIdempotencyKey implements entitlement.Storage
func (s *Storage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	fresh, err := s.recordKey(ctx, s.pool, userID, key)
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return fresh, nil
}

// ReleaseIdempotencyKey implements entitlement.Storage
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE user_id = $1 AND event_key = $2`, userID, key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Update implements entitlement.Transactor. The subscription row is locked
// with SELECT FOR UPDATE and the idempotency key is inserted in the same
// transaction, so either both land or neither does.
func (s *Storage) Update(ctx context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Recording the key first serializes concurrent deliveries on the
	// primary key: the loser blocks until the winner commits, then sees
	// zero rows inserted.
	if idempotencyKey != "" {
		fresh, err := s.recordKey(ctx, tx, userID, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to record idempotency key: %w", err)
		}
		if !fresh {
			return nil, entitlement.ErrDuplicateEvent
		}
	}

	current, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return nil, err
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	next = next.Clone()
	next.UserID = userID
	next.Version = 1
	if current != nil {
		next.Version = current.Version + 1
	}

	if err := upsert(ctx, tx, next); err != nil {
		if isUniqueViolation(err) {
			// concurrent first insert for this user
			return nil, fmt.Errorf("%w: %v", entitlement.ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to write subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ListUserIDs returns the users holding a paid tier, the set worth
// reconciling against a provider. It satisfies billing.UserLister.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM subscriptions WHERE tier <> $1 ORDER BY user_id`, string(entitlement.TierFree))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

func upsert(ctx context.Context, q querier, sub *entitlement.Subscription) error {
	_, err := q.Exec(ctx,
		`INSERT INTO subscriptions (user_id, tier, status, start_date, end_date, previous_tier,
				provider_payment_id, provider_order_id, provider_subscription_id, provider,
				last_event_key, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date,
				previous_tier = EXCLUDED.previous_tier,
				provider_payment_id = EXCLUDED.provider_payment_id,
				provider_order_id = EXCLUDED.provider_order_id,
				provider_subscription_id = EXCLUDED.provider_subscription_id,
				provider = EXCLUDED.provider,
				last_event_key = EXCLUDED.last_event_key,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, string(sub.Tier), string(sub.Status), sub.StartDate.UTC(), sub.EndDate,
		string(sub.PreviousTier), sub.ProviderPaymentID, sub.ProviderOrderID,
		sub.ProviderSubscriptionID, sub.Provider, sub.LastEventKey, sub.Version, sub.UpdatedAt.UTC(),
	)
	return err
}

func (s *Storage) recordKey(ctx context.Context, q querier, userID, key string) (bool, error) {
	now := time.Now().UTC()
	var expiresAt *time.Time
	if s.config.KeyTTL > 0 {
		exp := now.Add(s.config.KeyTTL)
		expiresAt = &exp
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, event_key, recorded_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, event_key) DO NOTHING`,
		userID, key, now, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanSubscription(row pgx.Row) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	var tier, status, previous string
	err := row.Scan(
		&sub.UserID,
		&tier,
		&status,
		&sub.StartDate,
		&sub.EndDate,
		&previous,
		&sub.ProviderPaymentID,
		&sub.ProviderOrderID,
		&sub.ProviderSubscriptionID,
		&sub.Provider,
		&sub.LastEventKey,
		&sub.Version,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Tier = entitlement.Tier(tier)
	sub.Status = entitlement.Status(status)
	sub.PreviousTier = entitlement.Tier(previous)
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// startCleanup runs periodic cleanup of expired idempotency keys
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes expired idempotency keys. Subscriptions are never deleted.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup idempotency keys: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
