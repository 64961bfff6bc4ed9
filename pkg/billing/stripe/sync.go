package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SyncUser re-derives the user's subscription from Stripe's active
// subscriptions and reconciles it into the manager. It implements
// billing.Syncer.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	startTime := time.Now()
	sub, err := p.syncUser(ctx, userID)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}
	return sub, nil
}

func (p *Provider) syncUser(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var subscriptions []*stripe.Subscription
	if customerID != "" {
		subscriptions, err = p.listActiveSubscriptions(ctx, customerID)
		if err != nil {
			return nil, err
		}
	}

	current, err := p.manager.Get(ctx, userID)
	if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return nil, err
	}

	authoritative := p.resolveAuthoritative(userID, subscriptions, current, p.now())
	if authoritative == nil {
		p.metrics.RecordUserSync(providerName, string(entitlement.OutcomeIgnored))
		return current, nil
	}

	res, err := p.manager.Reconcile(ctx, authoritative)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile subscription: %w", err)
	}
	p.metrics.RecordUserSync(providerName, string(res.Outcome))
	if res.TierChanged() {
		p.metrics.RecordTierChange(providerName, string(effectiveTier(res.Previous)), string(effectiveTier(res.Current)))
		p.logger.Info("Subscription reconciled from Stripe",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "from_tier", Value: string(effectiveTier(res.Previous))},
			entitlement.Field{Key: "to_tier", Value: string(effectiveTier(res.Current))},
		)
	}
	return res.Current, nil
}

// resolveCustomerID returns "" without error when the user has no customer.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	// FAST PATH: App provides the mapping (O(1))
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		p.logger.Debug("CustomerIDResolver missed, falling back to Search API",
			entitlement.Field{Key: "user_id", Value: userID},
		)
	}

	// SLOW PATH: Stripe Search API (eventually consistent)
	customerID, err := p.searchCustomerByMetadata(ctx, userID)
	if errors.Is(err, billing.ErrUserNotFound) {
		return "", nil
	}
	return customerID, err
}

func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			p.metrics.RecordAPICall(providerName, "/customers/search", "200")
			p.metrics.RecordAPICallDuration(providerName, "/customers/search", time.Since(startTime))
			return cust.ID, nil
		}
	}
	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found")
	p.metrics.RecordAPICallDuration(providerName, "/customers/search", time.Since(startTime))
	return "", billing.ErrUserNotFound
}

func (p *Provider) listActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	startTime := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))
			return nil, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if sub.Status == subscriptionStatusActive {
			subscriptions = append(subscriptions, sub)
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))
	return subscriptions, nil
}

// resolveAuthoritative derives the record Stripe says the user should have.
// The highest-weight mapped item wins; ties go to the most recently created
// subscription. With no active subscription, only a paid grant that came from
// a Stripe subscription is cancelled: one-off grants from other sources are
// left alone. A nil result means nothing to reconcile.
func (p *Provider) resolveAuthoritative(
	userID string, subscriptions []*stripe.Subscription, current *entitlement.Subscription, now time.Time,
) *entitlement.Subscription {
	var (
		best        *stripe.Subscription
		bestItem    *stripe.SubscriptionItem
		bestTier    entitlement.Tier
		bestWeight  = -1
		bestCreated int64
	)
	for _, sub := range subscriptions {
		if sub.Status != subscriptionStatusActive || sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			tier, ok := p.MapPriceToTier(item.Price.ID)
			if !ok && item.Price.Product != nil {
				tier, ok = p.MapPriceToTier(item.Price.Product.ID)
			}
			if !ok {
				continue
			}
			weight := tierWeight(tier)
			if weight > bestWeight || (weight == bestWeight && sub.Created > bestCreated) {
				best, bestItem, bestTier, bestWeight, bestCreated = sub, item, tier, weight, sub.Created
			}
		}
	}

	if best == nil {
		if current.ActivePaid() && current.Provider == providerName && current.ProviderSubscriptionID != "" {
			cancelled := current.Clone()
			cancelled.Status = entitlement.StatusCancelled
			return cancelled
		}
		return nil
	}

	start := now.UTC()
	if bestItem.CurrentPeriodStart > 0 {
		start = time.Unix(bestItem.CurrentPeriodStart, 0).UTC()
	}
	var end time.Time
	if bestItem.CurrentPeriodEnd > 0 {
		end = time.Unix(bestItem.CurrentPeriodEnd, 0).UTC()
	} else {
		end = now.UTC().Add(time.Duration(p.grantDays(bestTier)) * 24 * time.Hour)
	}

	return &entitlement.Subscription{
		UserID:                 userID,
		Tier:                   bestTier,
		Status:                 entitlement.StatusActive,
		StartDate:              start,
		EndDate:                &end,
		ProviderSubscriptionID: best.ID,
		Provider:               providerName,
	}
}

func (p *Provider) grantDays(tier entitlement.Tier) int {
	if days, ok := p.config.GrantDurations[tier]; ok && days > 0 {
		return days
	}
	return 30
}

func (p *Provider) now() time.Time {
	if p.config.Now != nil {
		return p.config.Now()
	}
	return time.Now()
}

func effectiveTier(sub *entitlement.Subscription) entitlement.Tier {
	if sub == nil || sub.Status != entitlement.StatusActive {
		return entitlement.TierFree
	}
	return sub.Tier
}
