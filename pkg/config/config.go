// Package config loads the entitlement service configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "GOENTITLE_"

// Store backends accepted by Config.Store.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
	StoreMongo     = "mongo"
	StoreTiered    = "tiered" // redis hot, postgres cold
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned when parsed values are inconsistent
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the service configuration.
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"` // json | console

	// WebhookSecret signs provider deliveries. Empty disables the webhook
	// endpoint (503) rather than accepting unsigned requests.
	WebhookSecret   string `env:"WEBHOOK_SECRET"`
	StrictTier      bool   `env:"STRICT_TIER"`
	DefaultPaidTier string `env:"DEFAULT_PAID_TIER" envDefault:"plus"`
	PlusDays        int    `env:"PLUS_DAYS" envDefault:"30"`
	PremiumDays     int    `env:"PREMIUM_DAYS" envDefault:"30"`

	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES" envDefault:"262144"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	TrustProxy        bool          `env:"TRUST_PROXY"`

	Store            string `env:"STORE" envDefault:"memory"`
	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB"`
	PostgresDSN      string `env:"POSTGRES_DSN"`
	FirestoreProject string `env:"FIRESTORE_PROJECT"`
	MongoURI         string `env:"MONGO_URI"`
	MongoDatabase    string `env:"MONGO_DATABASE" envDefault:"goentitle"`

	StripeAPIKey        string            `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string            `env:"STRIPE_WEBHOOK_SECRET"`
	StripePriceTiers    map[string]string `env:"STRIPE_PRICE_TIERS" envSeparator:"," envKeyValSeparator:":"`

	ReconcileSchedule    string `env:"RECONCILE_SCHEDULE" envDefault:"@every 6h"`
	ReconcileConcurrency int    `env:"RECONCILE_CONCURRENCY" envDefault:"4"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"goentitle"`
}

// Load reads the given .env files (or ./.env when none are given, if it
// exists) and parses the environment into a Config. Variables already set in
// the process environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.PaidTier(); err != nil {
		errs = append(errs, err)
	}
	if c.PlusDays <= 0 || c.PremiumDays <= 0 {
		errs = append(errs, errors.New("grant durations must be positive"))
	}
	if _, err := c.PriceTiers(); err != nil {
		errs = append(errs, err)
	}
	if c.ReconcileConcurrency <= 0 {
		errs = append(errs, errors.New("reconcile concurrency must be positive"))
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis store requires REDIS_ADDR"))
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres store requires POSTGRES_DSN"))
		}
	case StoreFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("firestore store requires FIRESTORE_PROJECT"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("mongo store requires MONGO_URI"))
		}
	case StoreTiered:
		if c.RedisAddr == "" || c.PostgresDSN == "" {
			errs = append(errs, errors.New("tiered store requires REDIS_ADDR and POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// PaidTier parses DefaultPaidTier.
func (c *Config) PaidTier() (entitlement.Tier, error) {
	tier, err := entitlement.ParseTier(c.DefaultPaidTier)
	if err != nil || !tier.Paid() {
		return "", fmt.Errorf("default paid tier must be plus or premium, got %q", c.DefaultPaidTier)
	}
	return tier, nil
}

// GrantDurations returns the server-side grant length per paid tier.
func (c *Config) GrantDurations() map[entitlement.Tier]int {
	return map[entitlement.Tier]int{
		entitlement.TierPlus:    c.PlusDays,
		entitlement.TierPremium: c.PremiumDays,
	}
}

// PriceTiers parses StripePriceTiers ("price_a:plus,price_b:premium").
func (c *Config) PriceTiers() (map[string]entitlement.Tier, error) {
	out := make(map[string]entitlement.Tier, len(c.StripePriceTiers))
	for id, raw := range c.StripePriceTiers {
		tier, err := entitlement.ParseTier(raw)
		if err != nil || !tier.Paid() {
			return nil, fmt.Errorf("price %q maps to invalid tier %q", id, raw)
		}
		out[strings.TrimSpace(id)] = tier
	}
	return out, nil
}

// StripeEnabled reports whether the Stripe provider should be mounted.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}
