package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Provider is the interface every payment provider integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "razorpay", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, normalizes and
	// applies inbound events.
	WebhookHandler() http.Handler
}

// Syncer is implemented by providers that can re-derive a user's
// subscription from the provider's authoritative state. The Reconciler uses
// it to repair records a failed or lost webhook left behind.
type Syncer interface {
	// SyncUser fetches the user's authoritative subscription and reconciles
	// it into the manager. It returns the resulting record.
	SyncUser(ctx context.Context, userID string) (*entitlement.Subscription, error)
}
