package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultWriteBackTimeout = 5 * time.Second

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds entitlement manager configuration
type Config struct {
	// Tiers overrides entries of DefaultTiers
	Tiers map[Tier]FeatureLimits

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig configures the circuit breaker around storage
	CircuitBreakerConfig *CircuitBreakerConfig

	// WriteBackTimeout bounds the opportunistic expiry write-back (default: 5 seconds)
	WriteBackTimeout time.Duration

	// DisableExpiryWriteBack turns off the opportunistic write-back on reads.
	// Expiry is still derived at every read.
	DisableExpiryWriteBack bool

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Result describes the effect of applying an event.
type Result struct {
	Outcome  Outcome
	Previous *Subscription
	Current  *Subscription
}

// TierChanged reports whether the effective tier changed.
func (r *Result) TierChanged() bool {
	return r != nil && effectiveTier(r.Previous) != effectiveTier(r.Current)
}

func effectiveTier(sub *Subscription) Tier {
	if sub == nil || sub.Status != StatusActive {
		return TierFree
	}
	return sub.Tier
}

// Manager applies canonical events to subscriptions and serves effective
// entitlement reads.
type Manager struct {
	storage    Storage
	config     Config
	calculator *Calculator
	reads      singleflight.Group
}

// NewManager creates a new entitlement manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.WriteBackTimeout <= 0 {
		config.WriteBackTimeout = defaultWriteBackTimeout
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		threshold := cbc.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cbc.ResetTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	return &Manager{
		storage:    storage,
		config:     config,
		calculator: NewCalculator(config.Tiers),
	}, nil
}

// Calculator returns the calculator built from the configured tier table.
func (m *Manager) Calculator() *Calculator {
	return m.calculator
}

// Get returns the persisted subscription, without lazy expiry.
func (m *Manager) Get(ctx context.Context, userID string) (*Subscription, error) {
	start := time.Now()
	sub, err := m.storage.Get(ctx, userID)
	m.config.Metrics.RecordStorageOperation("get", time.Since(start), ignoreNotFound(err))
	return sub, err
}

// Ensure creates the free/active record for a new account if none exists and
// returns the current record.
func (m *Manager) Ensure(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	sub, err := m.Get(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	create := func(current *Subscription) (*Subscription, error) {
		if current != nil {
			return nil, nil
		}
		return NewFreeSubscription(userID, m.config.Now()), nil
	}
	if tx, ok := m.storage.(Transactor); ok {
		if _, err := tx.Update(ctx, userID, "", create); err != nil {
			return nil, err
		}
		return m.Get(ctx, userID)
	}
	fresh := NewFreeSubscription(userID, m.config.Now())
	fresh.Version = 1
	if err := m.storage.Set(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Effective reads the subscription and derives its effective state at the
// current time. Users without a record are reported as free. When the grant
// has lapsed, an expiry write-back is started in the background; the read
// never waits for it.
func (m *Manager) Effective(ctx context.Context, userID string) (EffectiveSubscription, error) {
	// The shared read outlives any one caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.reads.Do(userID, func() (interface{}, error) {
		return m.Get(shared, userID)
	})
	var sub *Subscription
	switch {
	case err == nil:
		sub = v.(*Subscription).Clone()
	case errors.Is(err, ErrSubscriptionNotFound):
		sub = NewFreeSubscription(userID, m.config.Now())
	default:
		return EffectiveSubscription{}, err
	}

	eff := EffectiveState(sub, m.config.Now())
	m.config.Metrics.RecordEffectiveRead(eff.Tier(), eff.Expired)
	if eff.Expired && !m.config.DisableExpiryWriteBack {
		m.writeBackExpiry(userID)
	}
	return eff, nil
}

// Limits returns the effective feature limits for a user.
func (m *Manager) Limits(ctx context.Context, userID string) (FeatureLimits, error) {
	eff, err := m.Effective(ctx, userID)
	if err != nil {
		return m.calculator.ForTier(TierFree), err
	}
	return m.calculator.LimitsFor(eff.Subscription), nil
}

// CanAccess reports whether a user may use a feature. Storage errors fail
// closed (false) and are returned to the caller.
func (m *Manager) CanAccess(ctx context.Context, userID string, feature Feature) (bool, error) {
	eff, err := m.Effective(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.calculator.CanAccess(eff.Subscription, feature), nil
}

// Cancel applies a user-initiated cancellation.
func (m *Manager) Cancel(ctx context.Context, userID string) (*Result, error) {
	return m.Apply(ctx, &Event{
		Kind:       EventRevoke,
		Reason:     RevokeCancel,
		UserID:     userID,
		Name:       "user.cancelled",
		ReceivedAt: m.config.Now(),
	})
}

// Apply applies a canonical event to the user's subscription. Grants carrying
// an idempotency key are applied at most once per key: a replay returns
// OutcomeDuplicate and leaves the record untouched.
func (m *Manager) Apply(ctx context.Context, ev *Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	key := ""
	if ev.Kind == EventGrant {
		key = ev.IdempotencyKey
	}

	start := time.Now()
	var res *Result
	var err error
	if tx, ok := m.storage.(Transactor); ok {
		res, err = m.applyAtomic(ctx, tx, ev, key)
	} else {
		res, err = m.applyLastWriteWins(ctx, ev, key)
	}
	m.config.Metrics.RecordStorageOperation("apply", time.Since(start), err)
	if err != nil {
		m.config.Logger.Error("Failed to apply entitlement event",
			Field{"user_id", ev.UserID},
			Field{"event", ev.Name},
			Field{"kind", string(ev.Kind)},
			Field{"error", err.Error()},
		)
		return nil, err
	}

	m.config.Metrics.RecordTransition(ev.Kind, effectiveTier(res.Previous), effectiveTier(res.Current), res.Outcome)
	m.config.Logger.Info("Entitlement event applied",
		Field{"user_id", ev.UserID},
		Field{"event", ev.Name},
		Field{"kind", string(ev.Kind)},
		Field{"outcome", string(res.Outcome)},
		Field{"idempotency_key", key},
	)
	return res, nil
}

func (m *Manager) applyAtomic(ctx context.Context, tx Transactor, ev *Event, key string) (*Result, error) {
	res := &Result{}
	sub, err := tx.Update(ctx, ev.UserID, key, func(current *Subscription) (*Subscription, error) {
		res.Previous = current.Clone()
		next, outcome, err := Transition(current, ev, m.config.Now())
		if err != nil {
			return nil, err
		}
		res.Outcome = outcome
		if outcome == OutcomeIgnored {
			return nil, nil
		}
		return next, nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		current, getErr := m.Get(ctx, ev.UserID)
		if getErr != nil && !errors.Is(getErr, ErrSubscriptionNotFound) {
			return nil, getErr
		}
		return &Result{Outcome: OutcomeDuplicate, Previous: current, Current: current}, nil
	}
	if err != nil {
		return nil, err
	}
	if sub == nil {
		sub = res.Previous
	}
	res.Current = sub
	return res, nil
}

// applyLastWriteWins is used for stores without Transactor. The key is
// recorded before the write so concurrent deliveries of one payment apply
// once; if the write then fails the key is released again, so the
// provider's redelivery of a failed delivery is applied rather than
// acknowledged as a duplicate.
func (m *Manager) applyLastWriteWins(ctx context.Context, ev *Event, key string) (*Result, error) {
	if key != "" {
		fresh, err := m.storage.CheckAndRecordIdempotencyKey(ctx, ev.UserID, key)
		if err != nil {
			return nil, err
		}
		if !fresh {
			current, err := m.Get(ctx, ev.UserID)
			if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
				return nil, err
			}
			return &Result{Outcome: OutcomeDuplicate, Previous: current, Current: current}, nil
		}
	}

	res, err := m.writeLastWins(ctx, ev)
	if err != nil && key != "" {
		m.releaseKey(ev.UserID, key)
	}
	return res, err
}

func (m *Manager) writeLastWins(ctx context.Context, ev *Event) (*Result, error) {
	current, err := m.Get(ctx, ev.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	next, outcome, err := Transition(current, ev, m.config.Now())
	if err != nil {
		return nil, err
	}
	res := &Result{Outcome: outcome, Previous: current.Clone(), Current: current}
	if outcome == OutcomeIgnored {
		return res, nil
	}
	if current != nil {
		next.Version = current.Version + 1
	} else {
		next.Version = 1
	}
	if err := m.storage.Set(ctx, next); err != nil {
		return nil, err
	}
	res.Current = next
	return res, nil
}

// releaseKey forgets key after a failed write. It runs on its own context
// so a cancelled request still releases the key.
func (m *Manager) releaseKey(userID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.WriteBackTimeout)
	defer cancel()
	if err := m.storage.ReleaseIdempotencyKey(ctx, userID, key); err != nil {
		m.config.Logger.Error("Subscription write failed and idempotency key could not be released",
			Field{"user_id", userID},
			Field{"idempotency_key", key},
			Field{"error", err.Error()},
		)
	}
}

// Reconcile overwrites the user's record with state derived from the
// provider's authoritative subscription object. Only tier, status, dates and
// identifiers are taken from authoritative; Version is managed by the store.
func (m *Manager) Reconcile(ctx context.Context, authoritative *Subscription) (*Result, error) {
	if authoritative == nil || authoritative.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	res := &Result{Outcome: OutcomeApplied}
	replace := func(current *Subscription) (*Subscription, error) {
		res.Previous = current.Clone()
		next := current.Clone()
		if next == nil {
			next = NewFreeSubscription(authoritative.UserID, m.config.Now())
		}
		if sameEntitlement(next, authoritative) {
			res.Outcome = OutcomeIgnored
			return nil, nil
		}
		if next.Tier.Paid() && !authoritative.Tier.Paid() {
			next.PreviousTier = next.Tier
		}
		next.Tier = authoritative.Tier
		next.Status = authoritative.Status
		next.StartDate = authoritative.StartDate
		next.EndDate = authoritative.EndDate
		if authoritative.ProviderSubscriptionID != "" {
			next.ProviderSubscriptionID = authoritative.ProviderSubscriptionID
		}
		if authoritative.Provider != "" {
			next.Provider = authoritative.Provider
		}
		next.UpdatedAt = m.config.Now().UTC()
		return next, nil
	}

	if tx, ok := m.storage.(Transactor); ok {
		sub, err := tx.Update(ctx, authoritative.UserID, "", replace)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			sub = res.Previous
		}
		res.Current = sub
		return res, nil
	}

	current, err := m.Get(ctx, authoritative.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	next, err := replace(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		res.Current = current
		return res, nil
	}
	next.Version++
	if err := m.storage.Set(ctx, next); err != nil {
		return nil, err
	}
	res.Current = next
	return res, nil
}

func sameEntitlement(a, b *Subscription) bool {
	if a.Tier != b.Tier || a.Status != b.Status {
		return false
	}
	switch {
	case a.EndDate == nil && b.EndDate == nil:
		return true
	case a.EndDate == nil || b.EndDate == nil:
		return false
	default:
		return a.EndDate.Equal(*b.EndDate)
	}
}

func (m *Manager) writeBackExpiry(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.WriteBackTimeout)
		defer cancel()

		_, err := m.Apply(ctx, &Event{
			Kind:       EventExpireNotice,
			UserID:     userID,
			Name:       "expiry.write_back",
			ReceivedAt: m.config.Now(),
		})
		m.config.Metrics.RecordExpiryWriteBack(err == nil)
		if err != nil {
			m.config.Logger.Warn("Expiry write-back failed",
				Field{"user_id", userID},
				Field{"error", err.Error()},
			)
		}
	}()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	return err
}
