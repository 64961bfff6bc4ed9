// Package razorpay wires Razorpay-style webhooks into the entitlement engine.
// Deliveries are signed with a hex HMAC-SHA256 of the raw body and carry the
// user id and tier in the "notes" of the payment, order or subscription
// entity.
package razorpay

import (
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const (
	providerName = "razorpay"

	// razorpaySignatureHeader is the provider's native header, accepted
	// alongside billing.SignatureHeader.
	razorpaySignatureHeader = "X-Razorpay-Signature"
)

// Events maps Razorpay event names to canonical families.
var Events = map[string]billing.Rule{
	"payment.captured":     billing.Grant,
	"order.paid":           billing.Grant,
	"subscription.charged": billing.Grant,

	"subscription.cancelled": billing.Cancel,
	"payment.refunded":       billing.Refund,
	"refund.processed":       billing.Refund,
	"subscription.completed": billing.Complete,
	"subscription.halted":    billing.ExpireNotice,
	"subscription.pending":   billing.ExpireNotice,

	"payment.authorized":         billing.Informational,
	"payment.failed":             billing.Informational,
	"order.created":              billing.Informational,
	"subscription.authenticated": billing.Informational,
	"subscription.activated":     billing.Informational,
	"refund.created":             billing.Informational,
}

// Table is the Razorpay normalization table. Notes are looked up on the
// payment first, so a subscription charge attributes to the paying user even
// when the subscription entity carries stale notes.
var Table = billing.Table{
	Provider: providerName,
	Events:   Events,
	Paths: billing.Paths{
		Notes: []billing.Path{
			billing.P("payment.entity.notes"),
			billing.P("order.entity.notes"),
			billing.P("subscription.entity.notes"),
			billing.P("refund.entity.notes"),
		},
		PaymentID: []billing.Path{
			billing.P("payment.entity.id"),
			billing.P("refund.entity.payment_id"),
		},
		OrderID: []billing.Path{
			billing.P("payment.entity.order_id"),
			billing.P("order.entity.id"),
		},
		SubscriptionID: []billing.Path{
			billing.P("subscription.entity.id"),
			billing.P("payment.entity.subscription_id"),
		},
	},
}

// Provider implements billing.Provider for Razorpay.
type Provider struct {
	handler *billing.WebhookHandler
}

// NewProvider creates a Razorpay provider. config.WebhookSecret is the
// secret configured on the Razorpay dashboard.
func NewProvider(config billing.Config) (*Provider, error) {
	handler, err := billing.NewWebhookHandler(config, Table,
		billing.HMACVerifier(billing.SignatureHeader, razorpaySignatureHeader), nil)
	if err != nil {
		return nil, err
	}
	return &Provider{handler: handler}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Razorpay webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}
