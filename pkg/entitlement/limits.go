package entitlement

// DefaultTiers is the built-in tier table.
var DefaultTiers = map[Tier]FeatureLimits{
	TierFree: {
		ColorSuggestions:  3,
		OutfitPreviews:    1,
		WardrobeLimit:     0,
		ImageEditorAccess: false,
		BatchGeneration:   false,
		ChatbotAccess:     ChatbotBasic,
	},
	TierPlus: {
		ColorSuggestions:  10,
		OutfitPreviews:    5,
		WardrobeLimit:     10,
		ImageEditorAccess: true,
		BatchGeneration:   false,
		ChatbotAccess:     ChatbotStandard,
	},
	TierPremium: {
		ColorSuggestions:  Unlimited,
		OutfitPreviews:    Unlimited,
		WardrobeLimit:     Unlimited,
		ImageEditorAccess: true,
		BatchGeneration:   true,
		ChatbotAccess:     ChatbotPremium,
	},
}

var defaultCalculator = NewCalculator(nil)

// Calculator derives feature limits and wardrobe visibility from a
// subscription. All methods are pure and safe for concurrent use.
type Calculator struct {
	tiers map[Tier]FeatureLimits
	free  FeatureLimits
}

// NewCalculator creates a calculator over the given tier table. Missing
// entries fall back to DefaultTiers; a nil table uses DefaultTiers as is.
func NewCalculator(tiers map[Tier]FeatureLimits) *Calculator {
	table := make(map[Tier]FeatureLimits, len(DefaultTiers))
	for tier, limits := range DefaultTiers {
		table[tier] = limits
	}
	for tier, limits := range tiers {
		table[tier] = limits
	}
	return &Calculator{tiers: table, free: table[TierFree]}
}

// LimitsFor returns the limits for the subscription's effective tier.
// Unknown tiers and any non-active status fail closed to the free limits.
func (c *Calculator) LimitsFor(sub *Subscription) FeatureLimits {
	if sub == nil || sub.Status != StatusActive {
		return c.free
	}
	return c.ForTier(sub.Tier)
}

// ForTier returns the limits for a tier, or the free limits if unknown.
func (c *Calculator) ForTier(tier Tier) FeatureLimits {
	if limits, ok := c.tiers[tier]; ok {
		return limits
	}
	return c.free
}

// CanAccess reports whether the subscription may use feature at all.
// Boolean limits are returned as is; numeric limits are accessible iff the
// value is positive or unlimited.
func (c *Calculator) CanAccess(sub *Subscription, feature Feature) bool {
	limits := c.LimitsFor(sub)
	switch feature {
	case FeatureImageEditor:
		return limits.ImageEditorAccess
	case FeatureBatchGeneration:
		return limits.BatchGeneration
	case FeatureColorSuggestions:
		return numericAccess(limits.ColorSuggestions)
	case FeatureOutfitPreviews:
		return numericAccess(limits.OutfitPreviews)
	case FeatureWardrobe:
		return numericAccess(limits.WardrobeLimit)
	case FeatureChatbot:
		return limits.ChatbotAccess != ""
	default:
		return false
	}
}

func numericAccess(v int) bool {
	return v > 0 || v == Unlimited
}

// LimitsFor returns the default-table limits for sub.
func LimitsFor(sub *Subscription) FeatureLimits {
	return defaultCalculator.LimitsFor(sub)
}

// CanAccess checks feature access against the default table.
func CanAccess(sub *Subscription, feature Feature) bool {
	return defaultCalculator.CanAccess(sub, feature)
}

// WardrobeVisibility returns the leading items of allItems (insertion order)
// that the subscription's wardrobe limit exposes, using the default table.
func WardrobeVisibility[T any](sub *Subscription, allItems []T) []T {
	return VisiblePrefix(defaultCalculator.LimitsFor(sub).WardrobeLimit, allItems)
}

// VisiblePrefix returns the first limit items of items, all of them when
// limit is Unlimited, and none when limit is zero or negative otherwise.
// The input slice is never reordered or modified.
func VisiblePrefix[T any](limit int, items []T) []T {
	switch {
	case limit == Unlimited:
		limit = len(items)
	case limit <= 0:
		return []T{}
	case limit > len(items):
		limit = len(items)
	}
	out := make([]T, limit)
	copy(out, items[:limit])
	return out
}
