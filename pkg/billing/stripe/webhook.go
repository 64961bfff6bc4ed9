package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// derivedNotesKey holds notes the decoder derives from the event object
// (client_reference_id, mapped price tiers). Provider metadata always wins.
const derivedNotesKey = "_derived"

var subscriptionObjectPaths = billing.Paths{
	Notes:          []billing.Path{billing.P("metadata"), billing.P(derivedNotesKey)},
	SubscriptionID: []billing.Path{billing.P("id")},
}

// Events maps Stripe event types to canonical families.
var Events = map[string]billing.Rule{
	"checkout.session.completed": billing.Grant,
	"invoice.paid":               billing.Grant,
	"invoice.payment_succeeded":  billing.Grant,

	"customer.subscription.deleted": billing.Cancel.WithPaths(subscriptionObjectPaths),
	"charge.refunded":               billing.Refund,
	"customer.subscription.paused":  billing.ExpireNotice.WithPaths(subscriptionObjectPaths),

	"payment_intent.created":        billing.Informational,
	"payment_intent.succeeded":      billing.Informational,
	"invoice.payment_failed":        billing.Informational,
	"customer.subscription.created": billing.Informational,
	"customer.subscription.updated": billing.Informational,
}

// Table is the Stripe normalization table. Payloads are the event's
// data.object. The payment intent keys a grant; invoices and sessions fall
// back to their own id.
var Table = billing.Table{
	Provider: providerName,
	Events:   Events,
	Paths: billing.Paths{
		Notes: []billing.Path{
			billing.P("metadata"),
			billing.P("subscription_details.metadata"),
			billing.P("parent.subscription_details.metadata"),
			billing.P(derivedNotesKey),
		},
		PaymentID: []billing.Path{billing.P("payment_intent")},
		OrderID:   []billing.Path{billing.P("id")},
		SubscriptionID: []billing.Path{
			billing.P("subscription"),
			billing.P("parent.subscription_details.subscription"),
		},
	},
}

// verifyStripeSignature checks the Stripe-Signature header (timestamped
// HMAC with replay tolerance) against the raw body.
func verifyStripeSignature(r *http.Request, body []byte, secret string) bool {
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		return false
	}
	return webhook.ValidatePayload(body, sig, secret) == nil
}

// decodeEvent turns a verified Stripe event into the generic envelope.
func (p *Provider) decodeEvent(body []byte) (*billing.Envelope, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if event.Type == "" || event.Data == nil || event.Data.Object == nil {
		return nil, fmt.Errorf("%w: missing type or data.object", billing.ErrInvalidWebhookPayload)
	}

	object := event.Data.Object
	derived := map[string]any{}
	if ref, ok := object["client_reference_id"].(string); ok && ref != "" {
		derived[metadataUserIDKey] = ref
	}
	if tier, ok := p.tierFromLineItems(object); ok {
		derived["tier"] = string(tier)
	}
	object[derivedNotesKey] = derived

	return &billing.Envelope{Event: string(event.Type), Payload: object}, nil
}

// tierFromLineItems maps the first priced line of an invoice, or item of a
// subscription, through PriceTiers.
func (p *Provider) tierFromLineItems(object map[string]any) (entitlement.Tier, bool) {
	for _, listKey := range []string{"lines", "items"} {
		list, _ := object[listKey].(map[string]any)
		data, _ := list["data"].([]any)
		for _, raw := range data {
			line, _ := raw.(map[string]any)
			for _, id := range linePriceIDs(line) {
				if tier, found := p.MapPriceToTier(id); found {
					return tier, true
				}
			}
		}
	}
	return "", false
}

func linePriceIDs(line map[string]any) []string {
	var ids []string
	if price, ok := line["price"].(map[string]any); ok {
		if id, ok := price["id"].(string); ok {
			ids = append(ids, id)
		}
		if product, ok := price["product"].(string); ok {
			ids = append(ids, product)
		}
	}
	if pricing, ok := line["pricing"].(map[string]any); ok {
		if details, ok := pricing["price_details"].(map[string]any); ok {
			if id, ok := details["price"].(string); ok {
				ids = append(ids, id)
			}
			if product, ok := details["product"].(string); ok {
				ids = append(ids, product)
			}
		}
	}
	return ids
}
