package entitlement

import (
	"context"
	"errors"
	"fmt"
)

// NewCircuitBreakerStorage wraps storage with circuit breaker protection.
// The returned value implements Transactor iff storage does, so the manager
// keeps its atomic apply path behind the breaker.
//
// Lookups that miss, duplicate events and rejected transitions are outcomes,
// not outages, and never count toward opening the circuit. While the circuit
// is open every call fails with an error wrapping both ErrStorageUnavailable
// and ErrCircuitOpen.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) Storage {
	base := &CircuitBreakerStorage{storage: storage, cb: cb}
	if tx, ok := storage.(Transactor); ok {
		return &circuitBreakerTransactor{CircuitBreakerStorage: base, tx: tx}
	}
	return base
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

func (s *CircuitBreakerStorage) Get(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := s.run(ctx, func() error {
		var e error
		sub, e = s.storage.Get(ctx, userID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) Set(ctx context.Context, sub *Subscription) error {
	return s.run(ctx, func() error {
		return s.storage.Set(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	var fresh bool
	err := s.run(ctx, func() error {
		var e error
		fresh, e = s.storage.CheckAndRecordIdempotencyKey(ctx, userID, key)
		return e
	})
	return fresh, err
}

func (s *CircuitBreakerStorage) ReleaseIdempotencyKey(ctx context.Context, userID, key string) error {
	return s.run(ctx, func() error {
		return s.storage.ReleaseIdempotencyKey(ctx, userID, key)
	})
}

func (s *CircuitBreakerStorage) run(ctx context.Context, fn func() error) error {
	var outcome error
	err := s.cb.Execute(ctx, func() error {
		e := fn()
		if isOutcome(e) {
			outcome = e
			return nil
		}
		return e
	})
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err != nil {
		return err
	}
	return outcome
}

type circuitBreakerTransactor struct {
	*CircuitBreakerStorage
	tx Transactor
}

func (s *circuitBreakerTransactor) Update(ctx context.Context, userID, idempotencyKey string,
	fn UpdateFunc) (*Subscription, error) {
	var sub *Subscription
	err := s.run(ctx, func() error {
		var e error
		sub, e = s.tx.Update(ctx, userID, idempotencyKey, fn)
		return e
	})
	return sub, err
}

func isOutcome(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrConflict)
}
