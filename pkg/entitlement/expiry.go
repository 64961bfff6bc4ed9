package entitlement

import "time"

// EffectiveSubscription is the entitlement state as computed at read time.
// It may differ from the persisted record when a paid grant has lapsed but
// the expiry has not been written back yet.
type EffectiveSubscription struct {
	// Subscription is the record limits should be computed from. When the
	// grant has lapsed it is a copy with Status set to StatusExpired.
	Subscription *Subscription

	// Persisted is the record as stored, untouched.
	Persisted *Subscription

	// Expired is true when expiry was derived lazily rather than read from storage.
	Expired bool
}

// Tier returns the tier used for feature gating: the stored tier for an
// active record, free otherwise.
func (e EffectiveSubscription) Tier() Tier {
	if e.Subscription == nil || e.Subscription.Status != StatusActive {
		return TierFree
	}
	return e.Subscription.Tier
}

// Status returns the effective status.
func (e EffectiveSubscription) Status() Status {
	if e.Subscription == nil {
		return StatusActive
	}
	return e.Subscription.Status
}

// EffectiveState derives the effective subscription at now. A paid, active
// record whose EndDate is before now is reported as expired. A paid active
// record with no EndDate violates the model and is also treated as expired
// so that it fails closed. Free records never expire.
func EffectiveState(sub *Subscription, now time.Time) EffectiveSubscription {
	if !lapsed(sub, now) {
		return EffectiveSubscription{Subscription: sub, Persisted: sub}
	}
	expired := sub.Clone()
	expired.Status = StatusExpired
	return EffectiveSubscription{Subscription: expired, Persisted: sub, Expired: true}
}

func lapsed(sub *Subscription, now time.Time) bool {
	if !sub.ActivePaid() {
		return false
	}
	return sub.EndDate == nil || sub.EndDate.Before(now)
}
