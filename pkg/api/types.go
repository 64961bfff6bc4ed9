package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EntitlementResponse is the entitlement state of a user as seen at read time.
type EntitlementResponse struct {
	UserID          string                    `json:"user_id"`
	Tier            entitlement.Tier          `json:"tier"`           // Persisted tier
	EffectiveTier   entitlement.Tier          `json:"effective_tier"` // Tier used for gating
	Status          entitlement.Status        `json:"status"`         // Effective status
	PersistedStatus entitlement.Status        `json:"persisted_status"`
	EndDate         *time.Time                `json:"end_date,omitempty"`
	PreviousTier    entitlement.Tier          `json:"previous_tier,omitempty"`
	Limits          entitlement.FeatureLimits `json:"limits"`
}
