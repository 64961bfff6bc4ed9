package wardrobe

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]*Item
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]*Item)}
}

// Add implements Store
func (m *MemoryStore) Add(_ context.Context, item *Item, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit >= 0 && len(m.items[item.UserID]) >= limit {
		return ErrWardrobeFull
	}
	c := *item
	m.items[item.UserID] = append(m.items[item.UserID], &c)
	return nil
}

// List implements Store
func (m *MemoryStore) List(_ context.Context, userID string) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.items[userID]
	out := make([]*Item, len(stored))
	for i, item := range stored {
		c := *item
		out[i] = &c
	}
	return out, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, userID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.items[userID]
	for i, item := range stored {
		if item.ID == itemID {
			m.items[userID] = append(stored[:i:i], stored[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}
