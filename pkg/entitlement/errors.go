package entitlement

import "errors"

var (
	// ErrSubscriptionNotFound is returned when a user has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidTier is returned for unknown tier names
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidEvent is returned when an event is missing required fields
	ErrInvalidEvent = errors.New("invalid entitlement event")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflict is returned by stores when a compare-and-set lost a race
	// and retries were exhausted
	ErrConflict = errors.New("concurrent subscription update")

	// ErrDuplicateEvent is returned by Transactor.Update when the idempotency
	// key was already recorded for the user
	ErrDuplicateEvent = errors.New("idempotency key already recorded")
)
