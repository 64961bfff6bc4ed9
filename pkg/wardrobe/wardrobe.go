// Package wardrobe stores a user's wardrobe items and exposes the portion
// their current tier makes visible. Tier changes never delete items: a
// downgrade hides the tail of the insertion order and an upgrade shows it
// again.
package wardrobe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	// ErrItemNotFound is returned when an item does not exist for the user
	ErrItemNotFound = errors.New("wardrobe item not found")

	// ErrWardrobeUnavailable is returned when the user's tier has no wardrobe
	ErrWardrobeUnavailable = errors.New("wardrobe not available on current tier")

	// ErrWardrobeFull is returned when adding would exceed the tier's capacity
	ErrWardrobeFull = errors.New("wardrobe capacity reached")

	// ErrInvalidItem is returned for items missing required fields
	ErrInvalidItem = errors.New("invalid wardrobe item")
)

// Item is a single wardrobe entry.
type Item struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists wardrobe items. List must return items in insertion order.
type Store interface {
	// Add appends item unless the user already holds limit items, in which
	// case it returns ErrWardrobeFull. The count and the append happen
	// atomically. A negative limit means unlimited.
	Add(ctx context.Context, item *Item, limit int) error
	List(ctx context.Context, userID string) ([]*Item, error)
	Delete(ctx context.Context, userID, itemID string) error
}

// View is the visible part of a user's wardrobe.
type View struct {
	Items  []*Item `json:"items"`
	Limit  int     `json:"limit"` // -1 = unlimited
	Total  int     `json:"total"`
	Hidden int     `json:"hidden"`
}

// Service combines item storage with entitlement-based visibility.
type Service struct {
	store   Store
	manager *entitlement.Manager
	logger  entitlement.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default: NoopLogger).
func WithLogger(l entitlement.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a wardrobe service.
func NewService(store Store, manager *entitlement.Manager, opts ...Option) (*Service, error) {
	if store == nil || manager == nil {
		return nil, errors.New("wardrobe: store and manager are required")
	}
	s := &Service{
		store:   store,
		manager: manager,
		logger:  &entitlement.NoopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add stores a new item at the end of the user's wardrobe. It is refused
// when the tier has no wardrobe or the stored set already fills the limit.
func (s *Service) Add(ctx context.Context, userID string, item Item) (*Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if userID == "" || item.Name == "" {
		return nil, fmt.Errorf("%w: user id and name are required", ErrInvalidItem)
	}

	limits, err := s.manager.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limits.WardrobeLimit == 0 {
		return nil, ErrWardrobeUnavailable
	}

	item.ID = uuid.NewString()
	item.UserID = userID
	item.CreatedAt = s.now().UTC()
	if err := s.store.Add(ctx, &item, limits.WardrobeLimit); err != nil {
		if errors.Is(err, ErrWardrobeFull) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add wardrobe item: %w", err)
	}
	return &item, nil
}

// All returns every stored item, visible or not.
func (s *Service) All(ctx context.Context, userID string) ([]*Item, error) {
	return s.store.List(ctx, userID)
}

// Visible returns the prefix of the wardrobe the user's effective tier
// exposes. Lapsed grants are treated as expired at read time.
func (s *Service) Visible(ctx context.Context, userID string) (*View, error) {
	items, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wardrobe: %w", err)
	}
	limits, err := s.manager.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}

	visible := entitlement.VisiblePrefix(limits.WardrobeLimit, items)
	view := &View{
		Items:  visible,
		Limit:  limits.WardrobeLimit,
		Total:  len(items),
		Hidden: len(items) - len(visible),
	}
	if view.Hidden > 0 {
		s.logger.Debug("Wardrobe items hidden by tier",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "hidden", Value: view.Hidden},
		)
	}
	return view, nil
}

// Delete removes an item on explicit user request. It is allowed whether or
// not the item is currently visible.
func (s *Service) Delete(ctx context.Context, userID, itemID string) error {
	return s.store.Delete(ctx, userID, itemID)
}
