package billing

import "time"

// Metrics defines the interface for tracking webhook ingestion and provider
// synchronization.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery.
	// status: "applied", "duplicate", "ignored", "expired", "informational" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: e.g. "auth_failed", "invalid_payload", "attribution", "unknown_event", "store"
	RecordWebhookError(provider, errorType string)

	// RecordTierDefaulted records a grant that carried no tier and was defaulted.
	RecordTierDefaulted(provider, tier string)

	// RecordTierChange records when a user's effective tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordUserSync records a reconciliation of one user against the provider.
	// status: "applied", "ignored" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordAPICall records an outbound API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordTierDefaulted(_, _ string)                              {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
