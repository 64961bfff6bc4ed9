package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const defaultGrantDays = 30

var (
	// UserIDKeys are the metadata spellings of the user id, in priority order.
	UserIDKeys = []string{"userId", "user_id", "userID", "uid"}

	// TierKeys are the metadata spellings of the purchased tier, in priority order.
	TierKeys = []string{"tier", "plan", "subscription_tier", "subscriptionTier"}

	// PeriodKeys name the optional billing period note.
	PeriodKeys = []string{"period", "billing_period"}

	// DefaultPeriodDays maps billing period notes to grant durations.
	DefaultPeriodDays = map[string]int{
		"monthly":   30,
		"quarterly": 90,
		"yearly":    365,
		"annual":    365,
	}
)

// Path addresses a nested value in a decoded JSON object, one key per level.
type Path []string

// P builds a Path from a dotted string.
func P(dotted string) Path {
	return strings.Split(dotted, ".")
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Paths lists where a provider keeps each field. Earlier paths win.
type Paths struct {
	// Notes are the metadata objects searched for user id, tier and period.
	Notes          []Path
	PaymentID      []Path
	OrderID        []Path
	SubscriptionID []Path
}

// Rule maps a provider event name to a canonical event family. The zero
// Rule is informational: the event is acknowledged without a state change.
type Rule struct {
	Kind   entitlement.EventKind
	Reason entitlement.RevokeReason

	// Paths overrides Table.Paths for this event when set.
	Paths *Paths
}

// Informational acknowledges an event without changing state.
var Informational = Rule{}

// Grant, Cancel, Refund, Complete and ExpireNotice are the canonical rules.
var (
	Grant        = Rule{Kind: entitlement.EventGrant}
	Cancel       = Rule{Kind: entitlement.EventRevoke, Reason: entitlement.RevokeCancel}
	Refund       = Rule{Kind: entitlement.EventRevoke, Reason: entitlement.RevokeRefund}
	Complete     = Rule{Kind: entitlement.EventComplete}
	ExpireNotice = Rule{Kind: entitlement.EventExpireNotice}
)

// IsInformational reports whether the rule acknowledges without a state change.
func (r Rule) IsInformational() bool {
	return r.Kind == ""
}

// WithPaths returns a copy of r using paths.
func (r Rule) WithPaths(paths Paths) Rule {
	r.Paths = &paths
	return r
}

// Table is a provider's event mapping.
type Table struct {
	Provider string
	Events   map[string]Rule
	Paths    Paths
}

// Normalizer turns provider payloads into canonical entitlement events using
// an explicit Table. Durations always come from the normalizer's own
// configuration; the payload can never extend a grant.
type Normalizer struct {
	Table Table

	// GrantDurations maps a paid tier to its grant length in days (default: 30).
	GrantDurations map[entitlement.Tier]int

	// PeriodDays maps a billing period note to days (default: DefaultPeriodDays).
	PeriodDays map[string]int

	// DefaultPaidTier is granted when the payload carries no tier (default: plus).
	DefaultPaidTier entitlement.Tier

	// StrictTier rejects grants without a tier instead of defaulting.
	StrictTier bool

	Logger entitlement.Logger

	// Now returns the receipt time (default: time.Now)
	Now func() time.Time
}

// Normalize maps eventName and its decoded payload to a canonical event.
//
// It returns (nil, nil) for informational events, *UnknownEventError for
// names outside the table and *AttributionError when no user id can be
// resolved. A grant with an unknown or free tier wraps
// entitlement.ErrInvalidTier.
func (n *Normalizer) Normalize(eventName string, payload map[string]any) (*entitlement.Event, error) {
	rule, ok := n.Table.Events[eventName]
	if !ok {
		return nil, &UnknownEventError{Event: eventName}
	}
	if rule.IsInformational() {
		return nil, nil
	}
	paths := n.Table.Paths
	if rule.Paths != nil {
		paths = *rule.Paths
	}

	notes := collectNotes(payload, paths.Notes)
	userID := firstNote(notes, UserIDKeys)
	if userID == "" {
		raw, _ := json.Marshal(payload)
		return nil, &AttributionError{Event: eventName, Payload: raw}
	}

	ev := &entitlement.Event{
		Kind:           rule.Kind,
		Reason:         rule.Reason,
		UserID:         userID,
		PaymentID:      firstString(payload, paths.PaymentID),
		OrderID:        firstString(payload, paths.OrderID),
		SubscriptionID: firstString(payload, paths.SubscriptionID),
		Provider:       n.Table.Provider,
		Name:           eventName,
		ReceivedAt:     n.now(),
	}
	ev.IdempotencyKey = ev.PaymentID
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = ev.OrderID
	}

	if rule.Kind == entitlement.EventGrant {
		if err := n.resolveGrant(ev, notes); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (n *Normalizer) resolveGrant(ev *entitlement.Event, notes []map[string]any) error {
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("%w: grant %q carries neither payment id nor order id", ErrInvalidWebhookPayload, ev.Name)
	}

	if raw := firstNote(notes, TierKeys); raw != "" {
		tier, err := entitlement.ParseTier(raw)
		if err != nil {
			return err
		}
		if !tier.Paid() {
			return fmt.Errorf("%w: cannot grant %q", entitlement.ErrInvalidTier, tier)
		}
		ev.Tier = tier
	} else {
		if n.StrictTier {
			return fmt.Errorf("%w: grant %q has no tier", entitlement.ErrInvalidTier, ev.Name)
		}
		ev.Tier = n.defaultTier()
		ev.TierDefaulted = true
		n.logger().Warn("Grant has no tier, applying default",
			entitlement.Field{Key: "user_id", Value: ev.UserID},
			entitlement.Field{Key: "event", Value: ev.Name},
			entitlement.Field{Key: "idempotency_key", Value: ev.IdempotencyKey},
			entitlement.Field{Key: "tier", Value: string(ev.Tier)},
		)
	}

	ev.DurationDays = n.grantDays(ev.Tier)
	if period := strings.ToLower(firstNote(notes, PeriodKeys)); period != "" {
		if days, ok := n.periodDays()[period]; ok {
			ev.DurationDays = days
		} else {
			n.logger().Warn("Unknown billing period, using tier duration",
				entitlement.Field{Key: "user_id", Value: ev.UserID},
				entitlement.Field{Key: "period", Value: period},
			)
		}
	}
	return nil
}

func (n *Normalizer) grantDays(tier entitlement.Tier) int {
	if days, ok := n.GrantDurations[tier]; ok && days > 0 {
		return days
	}
	return defaultGrantDays
}

func (n *Normalizer) periodDays() map[string]int {
	if n.PeriodDays != nil {
		return n.PeriodDays
	}
	return DefaultPeriodDays
}

func (n *Normalizer) defaultTier() entitlement.Tier {
	if n.DefaultPaidTier.Paid() {
		return n.DefaultPaidTier
	}
	return entitlement.TierPlus
}

func (n *Normalizer) logger() entitlement.Logger {
	if n.Logger == nil {
		return &entitlement.NoopLogger{}
	}
	return n.Logger
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// collectNotes returns the metadata objects present at paths, in order.
func collectNotes(payload map[string]any, paths []Path) []map[string]any {
	var notes []map[string]any
	for _, p := range paths {
		if obj, ok := lookup(payload, p).(map[string]any); ok {
			notes = append(notes, obj)
		}
	}
	return notes
}

// firstNote returns the first non-empty value for keys, trying every key in
// one object before moving to the next object.
func firstNote(notes []map[string]any, keys []string) string {
	for _, obj := range notes {
		for _, k := range keys {
			if s := scalarString(obj[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstString(payload map[string]any, paths []Path) string {
	for _, p := range paths {
		if s := scalarString(lookup(payload, p)); s != "" {
			return s
		}
	}
	return ""
}

func lookup(obj map[string]any, path Path) any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// scalarString renders ids that may arrive as strings, numbers or expanded
// objects with an "id" field.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
