package entitlement

import (
	"fmt"
	"time"
)

// Validate checks that an event carries the fields its kind requires.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}
	switch e.Kind {
	case EventGrant:
		if !e.Tier.Paid() {
			return fmt.Errorf("%w: grant requires a paid tier, got %q", ErrInvalidTier, e.Tier)
		}
		if e.DurationDays <= 0 {
			return fmt.Errorf("%w: grant requires a positive duration", ErrInvalidEvent)
		}
	case EventRevoke:
		if e.Reason != RevokeCancel && e.Reason != RevokeRefund {
			return fmt.Errorf("%w: unknown revoke reason %q", ErrInvalidEvent, e.Reason)
		}
	case EventComplete, EventExpireNotice:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Transition applies ev to current and returns the next record. It is pure:
// current is never modified and no I/O happens. A nil current is treated as
// the free record created at account creation.
//
// Lazy expiry is applied first, so an event arriving after EndDate sees the
// Expired state. When the event itself changes nothing but expiry was
// derived, the expired record is returned with OutcomeExpired so callers can
// write it back.
//
// The grant end date is computed from the receipt time (ev.ReceivedAt, or now
// when unset) and the server-side DurationDays; nothing in the payload can
// extend it.
func Transition(current *Subscription, ev *Event, now time.Time) (*Subscription, Outcome, error) {
	if err := ev.Validate(); err != nil {
		return current, OutcomeIgnored, err
	}

	cur := current.Clone()
	if cur == nil {
		cur = NewFreeSubscription(ev.UserID, now)
	}

	expiredNow := lapsed(cur, now)
	if expiredNow {
		cur.Status = StatusExpired
		cur.UpdatedAt = now.UTC()
	}
	unchanged := func() (*Subscription, Outcome, error) {
		if expiredNow {
			return cur, OutcomeExpired, nil
		}
		return current, OutcomeIgnored, nil
	}

	switch ev.Kind {
	case EventGrant:
		receipt := ev.ReceivedAt
		if receipt.IsZero() {
			receipt = now
		}
		receipt = receipt.UTC()
		end := receipt.Add(time.Duration(ev.DurationDays) * 24 * time.Hour)

		next := cur
		next.Tier = ev.Tier
		next.Status = StatusActive
		next.StartDate = receipt
		next.EndDate = &end
		next.LastEventKey = ev.IdempotencyKey
		next.UpdatedAt = now.UTC()
		stampIdentifiers(next, ev)
		return next, OutcomeApplied, nil

	case EventRevoke:
		if !cur.ActivePaid() {
			return unchanged()
		}
		next := cur
		next.PreviousTier = cur.Tier
		if ev.Reason == RevokeRefund {
			next.Status = StatusRefunded
			next.Tier = TierFree
		} else {
			next.Status = StatusCancelled
		}
		next.UpdatedAt = now.UTC()
		stampIdentifiers(next, ev)
		return next, OutcomeApplied, nil

	case EventComplete:
		if !cur.ActivePaid() {
			return unchanged()
		}
		next := cur
		next.PreviousTier = cur.Tier
		next.Tier = TierFree
		next.Status = StatusCompleted
		next.UpdatedAt = now.UTC()
		stampIdentifiers(next, ev)
		return next, OutcomeApplied, nil

	default: // EventExpireNotice
		return unchanged()
	}
}

// stampIdentifiers copies non-empty audit identifiers from the event.
func stampIdentifiers(sub *Subscription, ev *Event) {
	if ev.PaymentID != "" {
		sub.ProviderPaymentID = ev.PaymentID
	}
	if ev.OrderID != "" {
		sub.ProviderOrderID = ev.OrderID
	}
	if ev.SubscriptionID != "" {
		sub.ProviderSubscriptionID = ev.SubscriptionID
	}
	if ev.Provider != "" {
		sub.Provider = ev.Provider
	}
}
