package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, int64(256*1024), cfg.MaxBodyBytes)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "@every 6h", cfg.ReconcileSchedule)
	assert.False(t, cfg.StrictTier)
	assert.False(t, cfg.StripeEnabled())

	tier, err := cfg.PaidTier()
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPlus, tier)
	assert.Equal(t, map[entitlement.Tier]int{
		entitlement.TierPlus:    30,
		entitlement.TierPremium: 30,
	}, cfg.GrantDurations())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("GOENTITLE_WEBHOOK_SECRET", "s3cret")
	t.Setenv("GOENTITLE_STRICT_TIER", "true")
	t.Setenv("GOENTITLE_PREMIUM_DAYS", "365")
	t.Setenv("GOENTITLE_STORE", "postgres")
	t.Setenv("GOENTITLE_POSTGRES_DSN", "postgres://localhost/entitle")
	t.Setenv("GOENTITLE_STRIPE_API_KEY", "sk_test_1")
	t.Setenv("GOENTITLE_STRIPE_PRICE_TIERS", "price_a:plus,price_b:Premium")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.WebhookSecret)
	assert.True(t, cfg.StrictTier)
	assert.Equal(t, 365, cfg.GrantDurations()[entitlement.TierPremium])
	assert.True(t, cfg.StripeEnabled())

	tiers, err := cfg.PriceTiers()
	require.NoError(t, err)
	assert.Equal(t, map[string]entitlement.Tier{
		"price_a": entitlement.TierPlus,
		"price_b": entitlement.TierPremium,
	}, tiers)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.test")
	require.NoError(t, os.WriteFile(path, []byte("GOENTITLE_LISTEN_ADDR=:9999\nGOENTITLE_PLUS_DAYS=31\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("GOENTITLE_LISTEN_ADDR")
		_ = os.Unsetenv("GOENTITLE_PLUS_DAYS")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 31, cfg.PlusDays)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("GOENTITLE_PLUS_DAYS", "thirty")
	_, err := Load()
	assert.ErrorIs(t, err, ErrParsingConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"free default tier", func(c *Config) { c.DefaultPaidTier = "free" }},
		{"unknown default tier", func(c *Config) { c.DefaultPaidTier = "gold" }},
		{"zero duration", func(c *Config) { c.PlusDays = 0 }},
		{"unknown store", func(c *Config) { c.Store = "cassandra" }},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }},
		{"mongo without uri", func(c *Config) { c.Store = StoreMongo }},
		{"firestore without project", func(c *Config) { c.Store = StoreFirestore }},
		{"tiered without dsn", func(c *Config) { c.Store = StoreTiered }},
		{"free price tier", func(c *Config) { c.StripePriceTiers = map[string]string{"price_a": "free"} }},
		{"zero concurrency", func(c *Config) { c.ReconcileConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
