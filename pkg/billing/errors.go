package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrAttribution is returned when an event cannot be attributed to a user
	ErrAttribution = errors.New("webhook event cannot be attributed to a user")

	// ErrUnknownEvent is returned for event names the provider table does not handle
	ErrUnknownEvent = errors.New("unknown webhook event")

	// ErrStore is returned when the entitlement store failed while applying an event
	ErrStore = errors.New("entitlement store failure")

	// ErrUserNotFound is returned when a user cannot be found in the provider's system
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)

// AuthenticationError is returned when a webhook signature is missing or
// does not match. The event must not be parsed or applied.
type AuthenticationError struct {
	Provider string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s webhook: %s: %s", e.Provider, ErrInvalidWebhookSignature, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return ErrInvalidWebhookSignature }

// AttributionError is returned when no user id can be resolved from the
// payload. Payload holds the raw event for manual reconciliation.
type AttributionError struct {
	Event   string
	Payload []byte
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("event %q: %s", e.Event, ErrAttribution)
}

func (e *AttributionError) Unwrap() error { return ErrAttribution }

// UnknownEventError is returned for event names outside the provider table.
// It is acknowledged as a no-op.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownEvent, e.Event)
}

func (e *UnknownEventError) Unwrap() error { return ErrUnknownEvent }

// StoreError wraps a persistence failure. The provider is expected to
// redeliver; replays are safe because of the idempotency key.
type StoreError struct {
	UserID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s for user %q: %v", ErrStore, e.UserID, e.Err)
}

// Unwrap exposes both the ErrStore sentinel and the underlying cause.
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }
