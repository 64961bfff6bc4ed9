package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named entitlement level controlling feature limits.
type Tier string

const (
	// TierFree is the default tier every account starts on. It never expires.
	TierFree Tier = "free"
	// TierPlus is the lowest paid tier.
	TierPlus Tier = "plus"
	// TierPremium is the highest paid tier.
	TierPremium Tier = "premium"
)

// ParseTier converts a raw tier name to a Tier. Matching is case-insensitive;
// anything outside the known set is rejected with ErrInvalidTier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierPlus:
		return TierPlus, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// Paid reports whether the tier is a paid tier.
func (t Tier) Paid() bool {
	return t == TierPlus || t == TierPremium
}

// Status is the lifecycle status of a subscription record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusRefunded  Status = "refunded"
	StatusCompleted Status = "completed"
)

// Subscription is the per-user entitlement record. There is exactly one per
// user; it is replaced, never deleted.
type Subscription struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	// StartDate is set whenever the tier becomes paid or is renewed.
	StartDate time.Time `json:"start_date"`

	// EndDate is required for an active paid tier and is the sole authority
	// for when the grant lapses. Ignored for the free tier.
	EndDate *time.Time `json:"end_date,omitempty"`

	// PreviousTier holds the paid tier a revoked/completed record came from.
	PreviousTier Tier `json:"previous_tier,omitempty"`

	ProviderPaymentID      string `json:"provider_payment_id,omitempty"`
	ProviderOrderID        string `json:"provider_order_id,omitempty"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`
	Provider               string `json:"provider,omitempty"`

	// LastEventKey is the idempotency key of the last applied grant.
	LastEventKey string `json:"last_event_key,omitempty"`

	// Version is incremented on every persisted write and used for
	// compare-and-set by stores that support it.
	Version int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewFreeSubscription returns the record created at account creation.
func NewFreeSubscription(userID string, now time.Time) *Subscription {
	return &Subscription{
		UserID:    userID,
		Tier:      TierFree,
		Status:    StatusActive,
		StartDate: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndDate != nil {
		end := *s.EndDate
		c.EndDate = &end
	}
	return &c
}

// ActivePaid reports whether the persisted record is an active paid grant.
// It does not look at EndDate; see EffectiveState for lazy expiry.
func (s *Subscription) ActivePaid() bool {
	return s != nil && s.Tier.Paid() && s.Status == StatusActive
}

// ChatbotLevel is the chatbot access level granted by a tier.
type ChatbotLevel string

const (
	ChatbotBasic    ChatbotLevel = "basic"
	ChatbotStandard ChatbotLevel = "standard"
	ChatbotPremium  ChatbotLevel = "premium"
)

// Unlimited marks a numeric limit without a cap.
const Unlimited = -1

// FeatureLimits is derived from a tier and never stored.
type FeatureLimits struct {
	ColorSuggestions  int          `json:"color_suggestions"`
	OutfitPreviews    int          `json:"outfit_previews"`
	WardrobeLimit     int          `json:"wardrobe_limit"` // -1 = unlimited, 0 = none
	ImageEditorAccess bool         `json:"image_editor_access"`
	BatchGeneration   bool         `json:"batch_generation"`
	ChatbotAccess     ChatbotLevel `json:"chatbot_access"`
}

// Feature names a gated product capability.
type Feature string

const (
	FeatureColorSuggestions Feature = "color_suggestions"
	FeatureOutfitPreviews   Feature = "outfit_previews"
	FeatureWardrobe         Feature = "wardrobe"
	FeatureImageEditor      Feature = "image_editor"
	FeatureBatchGeneration  Feature = "batch_generation"
	FeatureChatbot          Feature = "chatbot"
)

// EventKind is the canonical family of a normalized provider event.
type EventKind string

const (
	EventGrant        EventKind = "grant"
	EventRevoke       EventKind = "revoke"
	EventComplete     EventKind = "complete"
	EventExpireNotice EventKind = "expire_notice"
)

// RevokeReason qualifies an EventRevoke.
type RevokeReason string

const (
	RevokeCancel RevokeReason = "cancel"
	RevokeRefund RevokeReason = "refund"
)

// Event is a canonical, provider-independent entitlement event.
type Event struct {
	Kind   EventKind
	UserID string

	// Tier and DurationDays are set for grants. DurationDays always comes from
	// server configuration, never from the payload.
	Tier          Tier
	DurationDays  int
	TierDefaulted bool

	Reason RevokeReason

	// IdempotencyKey is the provider payment id, or order id when no payment
	// id exists.
	IdempotencyKey string

	PaymentID      string
	OrderID        string
	SubscriptionID string

	Provider string
	Name     string // provider event name, e.g. "payment.captured"

	ReceivedAt time.Time
}

// Outcome describes what applying an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeExpired   Outcome = "expired"
)
