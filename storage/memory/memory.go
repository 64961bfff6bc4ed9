// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.Transactor using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*entitlement.Subscription
	keys          map[string]map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*entitlement.Subscription),
		keys:          make(map[string]map[string]struct{}),
	}
}

// Get implements entitlement.Storage
func (s *Storage) Get(_ context.Context, userID string) (*entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	// Return a copy to prevent external mutations
	return sub.Clone(), nil
}

// Set implements entitlement.Storage
func (s *Storage) Set(_ context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("%w: missing user id", entitlement.ErrInvalidEvent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.UserID] = sub.Clone()
	return nil
}

// CheckAndRecordIdempotencyKey implements entitlement.Storage
func (s *Storage) CheckAndRecordIdempotencyKey(_ context.Context, userID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recordKey(userID, key), nil
}

// ReleaseIdempotencyKey implements entitlement.Storage
func (s *Storage) ReleaseIdempotencyKey(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys[userID], key)
	return nil
}

// Update implements entitlement.Transactor. The store lock is held for the
// whole read-compute-write cycle.
func (s *Storage) Update(_ context.Context, userID, idempotencyKey string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if _, seen := s.keys[userID][idempotencyKey]; seen {
			return nil, entitlement.ErrDuplicateEvent
		}
	}

	current := s.subscriptions[userID].Clone()
	next, err := fn(current)
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
	s.subscriptions[userID] = next
	if idempotencyKey != "" {
		s.recordKey(userID, idempotencyKey)
	}
	return next.Clone(), nil
}

// Len returns the number of stored subscriptions.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// ListUserIDs returns every stored user id in lexical order. It satisfies
// billing.UserLister.
func (s *Storage) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Storage) recordKey(userID, key string) bool {
	seen, ok := s.keys[userID]
	if !ok {
		seen = make(map[string]struct{})
		s.keys[userID] = seen
	}
	if _, dup := seen[key]; dup {
		return false
	}
	seen[key] = struct{}{}
	return true
}
