package entitlement

import (
	"context"
)

// Storage defines the interface for subscription persistence.
// No multi-document transactions are assumed by this interface.
type Storage interface {
	// Get retrieves the user's subscription.
	// Returns ErrSubscriptionNotFound when the user has no record.
	Get(ctx context.Context, userID string) (*Subscription, error)

	// Set stores the user's subscription (last writer wins).
	Set(ctx context.Context, sub *Subscription) error

	// CheckAndRecordIdempotencyKey records key against userID.
	// Returns false if the key had already been recorded.
	CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error)

	// ReleaseIdempotencyKey forgets a key recorded by
	// CheckAndRecordIdempotencyKey whose write never landed, so a redelivery
	// is applied instead of acknowledged as a duplicate. Releasing an unknown
	// key is not an error.
	ReleaseIdempotencyKey(ctx context.Context, userID, key string) error
}

// UpdateFunc computes the next record from the current one. current is nil
// when the user has no record yet. Returning a nil subscription aborts the
// write without error.
type UpdateFunc func(current *Subscription) (*Subscription, error)

// Transactor is implemented by stores that can check an idempotency key,
// read, and write a subscription as one atomic conditional update.
type Transactor interface {
	// Update runs fn against the current record and persists the result
	// together with idempotencyKey (if non-empty). If the key was already
	// recorded for the user it returns ErrDuplicateEvent without calling fn.
	// Stores bump Version on every write.
	Update(ctx context.Context, userID, idempotencyKey string, fn UpdateFunc) (*Subscription, error)
}
