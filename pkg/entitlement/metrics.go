package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordTransition records an applied event. outcome is one of the Outcome values.
	RecordTransition(kind EventKind, fromTier, toTier Tier, outcome Outcome)

	// RecordEffectiveRead records a read through the expiration reconciler.
	// expired is true when the effective state differed from the persisted one.
	RecordEffectiveRead(tier Tier, expired bool)

	// RecordExpiryWriteBack records an opportunistic expiry write-back attempt.
	RecordExpiryWriteBack(success bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(kind EventKind, fromTier, toTier Tier, outcome Outcome)    {}
func (n *NoopMetrics) RecordEffectiveRead(tier Tier, expired bool)                                {}
func (n *NoopMetrics) RecordExpiryWriteBack(success bool)                                         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
