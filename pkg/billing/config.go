package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
	defaultHTTPTimeout       = 10 * time.Second
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Manager is the entitlement manager events are applied to
	Manager *entitlement.Manager

	// WebhookSecret is the shared secret used to verify inbound webhooks.
	// Handlers answer 503 while it is empty.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// GrantDurations maps a paid tier to its grant length in days (default: 30 for every tier)
	GrantDurations map[entitlement.Tier]int

	// PeriodDays maps billing period notes to days (default: DefaultPeriodDays)
	PeriodDays map[string]int

	// DefaultPaidTier is granted when a grant carries no tier (default: plus)
	DefaultPaidTier entitlement.Tier

	// StrictTier rejects grants without a tier instead of defaulting
	StrictTier bool

	// MaxBodyBytes caps webhook bodies (default: 256KB)
	MaxBodyBytes int64

	// RateLimit configures the per-client webhook rate limiter
	RateLimit RateLimitConfig

	// WebhookCallback is invoked after an event changed a subscription.
	// Errors are logged; the delivery is still acknowledged because the
	// state change is already committed.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector (default: NoopMetrics).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger

	// Now returns the receipt time (default: time.Now)
	Now func() time.Time
}

// RateLimitConfig configures webhook rate limiting.
type RateLimitConfig struct {
	// Disabled turns the limiter off
	Disabled bool

	// Requests per Window per client (default: 100 per minute)
	Requests int
	Window   time.Duration

	// TrustProxy identifies clients by the first X-Forwarded-For hop
	TrustProxy bool
}

// withDefaults returns a copy of c with every optional field filled in.
func (c Config) withDefaults() Config {
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = defaultRateLimitRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = defaultRateLimitWindow
	}
	return c
}

// Normalizer builds the normalizer for table from c.
func (c Config) Normalizer(table Table) *Normalizer {
	c = c.withDefaults()
	return &Normalizer{
		Table:           table,
		GrantDurations:  c.GrantDurations,
		PeriodDays:      c.PeriodDays,
		DefaultPaidTier: c.DefaultPaidTier,
		StrictTier:      c.StrictTier,
		Logger:          c.Logger,
		Now:             c.Now,
	}
}
