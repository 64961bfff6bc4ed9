package stripe

import (
	"context"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	providerName             = "stripe"
	subscriptionStatusActive = "active"
	metadataUserIDKey        = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, durations, metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// PriceTiers maps Stripe Price or Product IDs to paid tiers. It is used
	// when a grant's metadata carries no tier, and by SyncUser.
	PriceTiers map[string]entitlement.Tier

	// CustomerIDResolver maps a user to a Stripe customer for O(1) lookup in
	// SyncUser. If nil, SyncUser falls back to the Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// Backends overrides the Stripe API backends (tests, proxies).
	Backends *stripe.Backends
}

// Provider implements billing.Provider and billing.Syncer for Stripe
type Provider struct {
	manager            *entitlement.Manager
	config             billing.Config
	handler            *billing.WebhookHandler
	priceTiers         map[string]entitlement.Tier
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             entitlement.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}
	stripeClient := stripe.NewClient(apiKey, opts...)

	priceTiers := make(map[string]entitlement.Tier, len(config.PriceTiers))
	for id, tier := range config.PriceTiers {
		if !tier.Paid() {
			return nil, billing.ErrProviderNotConfigured
		}
		priceTiers[strings.ToLower(strings.TrimSpace(id))] = tier
	}

	base := config.Config
	base.WebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	base.APIKey = apiKey
	if base.Metrics == nil {
		base.Metrics = &billing.NoopMetrics{}
	}
	if base.Logger == nil {
		base.Logger = &entitlement.NoopLogger{}
	}

	p := &Provider{
		manager:            config.Manager,
		config:             base,
		priceTiers:         priceTiers,
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            base.Metrics,
		logger:             base.Logger,
	}

	handler, err := billing.NewWebhookHandler(base, Table, verifyStripeSignature, p.decodeEvent)
	if err != nil {
		return nil, err
	}
	p.handler = handler
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a paid tier.
func (p *Provider) MapPriceToTier(priceID string) (entitlement.Tier, bool) {
	tier, ok := p.priceTiers[strings.ToLower(strings.TrimSpace(priceID))]
	return tier, ok
}

// tierWeight orders tiers when a customer holds several subscriptions.
func tierWeight(tier entitlement.Tier) int {
	switch tier {
	case entitlement.TierPremium:
		return 2
	case entitlement.TierPlus:
		return 1
	default:
		return 0
	}
}
