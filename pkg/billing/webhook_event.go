package billing

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// WebhookEvent describes a webhook that changed a subscription. It is
// passed to Config.WebhookCallback after the change was committed.
type WebhookEvent struct {
	UserID string

	// PreviousTier and NewTier are effective tiers (free when not active)
	PreviousTier entitlement.Tier
	NewTier      entitlement.Tier

	// Status is the subscription status after the event
	Status entitlement.Status

	// Provider is the billing provider name ("razorpay", "stripe")
	Provider string

	// EventType is the provider event name, e.g. "payment.captured"
	EventType string

	// Kind is the canonical event family
	Kind entitlement.EventKind

	// IdempotencyKey is the payment or order id the event was keyed on
	IdempotencyKey string

	// TierDefaulted is set when the payload carried no tier
	TierDefaulted bool

	// ReceivedAt is when the delivery was received
	ReceivedAt time.Time

	// EndDate is when the grant lapses (nil when not a paid grant)
	EndDate *time.Time
}

func newWebhookEvent(ev *entitlement.Event, res *entitlement.Result) WebhookEvent {
	out := WebhookEvent{
		UserID:         ev.UserID,
		PreviousTier:   entitlement.TierFree,
		NewTier:        entitlement.TierFree,
		Provider:       ev.Provider,
		EventType:      ev.Name,
		Kind:           ev.Kind,
		IdempotencyKey: ev.IdempotencyKey,
		TierDefaulted:  ev.TierDefaulted,
		ReceivedAt:     ev.ReceivedAt,
	}
	if p := res.Previous; p != nil && p.Status == entitlement.StatusActive {
		out.PreviousTier = p.Tier
	}
	if c := res.Current; c != nil {
		out.Status = c.Status
		if c.Status == entitlement.StatusActive {
			out.NewTier = c.Tier
		}
		if c.ActivePaid() && c.EndDate != nil {
			end := *c.EndDate
			out.EndDate = &end
		}
	}
	return out
}
