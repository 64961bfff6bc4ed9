package razorpay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const testSecret = "rzp_webhook_secret"

var testNow = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

type countingStore struct {
	*memory.Storage
	calls atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	s.calls.Add(1)
	return s.Storage.Get(ctx, userID)
}

func (s *countingStore) Set(ctx context.Context, sub *entitlement.Subscription) error {
	s.calls.Add(1)
	return s.Storage.Set(ctx, sub)
}

func (s *countingStore) CheckAndRecordIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	s.calls.Add(1)
	return s.Storage.CheckAndRecordIdempotencyKey(ctx, userID, key)
}

func (s *countingStore) Update(ctx context.Context, userID, key string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	s.calls.Add(1)
	return s.Storage.Update(ctx, userID, key, fn)
}

func newTestProvider(t *testing.T) (*Provider, *entitlement.Manager, *countingStore) {
	t.Helper()
	store := &countingStore{Storage: memory.New()}
	now := func() time.Time { return testNow }
	manager, err := entitlement.NewManager(store, entitlement.Config{Now: now})
	require.NoError(t, err)

	p, err := NewProvider(billing.Config{
		Manager:       manager,
		WebhookSecret: testSecret,
		Now:           now,
		RateLimit:     billing.RateLimitConfig{Disabled: true},
	})
	require.NoError(t, err)
	return p, manager, store
}

func deliver(p *Provider, body, header, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(header, signature)
	}
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func deliverSigned(p *Provider, body string) *httptest.ResponseRecorder {
	return deliver(p, body, billing.SignatureHeader, billing.SignPayload(testSecret, []byte(body)))
}

const paymentCaptured = `{
  "entity": "event",
  "account_id": "acc_BFQ7uQEaa7j2z7",
  "event": "payment.captured",
  "contains": ["payment"],
  "payload": {
    "payment": {
      "entity": {
        "id": "pay_123",
        "entity": "payment",
        "amount": 49900,
        "currency": "INR",
        "status": "captured",
        "order_id": "order_DESlLckIVRkHWj",
        "notes": {"userId": "u1", "tier": "plus"}
      }
    }
  },
  "created_at": 1567674606
}`

func TestProvider_Name(t *testing.T) {
	p, _, _ := newTestProvider(t)
	assert.Equal(t, "razorpay", p.Name())
	var _ billing.Provider = p
}

func TestProvider_PaymentCapturedTwice(t *testing.T) {
	p, manager, _ := newTestProvider(t)

	for i := 0; i < 2; i++ {
		rec := deliverSigned(p, paymentCaptured)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"success":true,"event":"payment.captured"}`, rec.Body.String())
	}

	sub, err := manager.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPlus, sub.Tier)
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, testNow.Add(30*24*time.Hour), *sub.EndDate, "one grant, not two sequential extensions")
	assert.Equal(t, "pay_123", sub.ProviderPaymentID)
	assert.Equal(t, "order_DESlLckIVRkHWj", sub.ProviderOrderID)
	assert.Equal(t, "razorpay", sub.Provider)
	assert.Equal(t, int64(1), sub.Version)
}

func TestProvider_NativeSignatureHeader(t *testing.T) {
	p, _, _ := newTestProvider(t)
	rec := deliver(p, paymentCaptured, razorpaySignatureHeader, billing.SignPayload(testSecret, []byte(paymentCaptured)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProvider_MissingSignature(t *testing.T) {
	p, _, store := newTestProvider(t)

	rec := deliver(p, paymentCaptured, billing.SignatureHeader, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, store.calls.Load(), "no store access of any kind")
}

func TestProvider_OrderPaidKeyedOnPayment(t *testing.T) {
	p, manager, _ := newTestProvider(t)

	orderPaid := `{"event":"order.paid","payload":{
	  "payment":{"entity":{"id":"pay_777","order_id":"order_1","notes":[]}},
	  "order":{"entity":{"id":"order_1","notes":{"user_id":"u9","plan":"premium","period":"yearly"}}}}}`
	require.Equal(t, http.StatusOK, deliverSigned(p, orderPaid).Code)

	// The same payment reported by payment.captured is a duplicate.
	captured := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_777","order_id":"order_1",
	  "notes":{"user_id":"u9","plan":"premium"}}}}}`
	require.Equal(t, http.StatusOK, deliverSigned(p, captured).Code)

	sub, err := manager.Get(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, sub.Tier)
	assert.Equal(t, testNow.Add(365*24*time.Hour), *sub.EndDate)
	assert.Equal(t, int64(1), sub.Version)
}

func TestProvider_SubscriptionLifecycle(t *testing.T) {
	p, manager, _ := newTestProvider(t)
	ctx := context.Background()

	charged := `{"event":"subscription.charged","payload":{
	  "subscription":{"entity":{"id":"sub_00000000000001","notes":{"uid":"u5","subscriptionTier":"premium"}}},
	  "payment":{"entity":{"id":"pay_c1","subscription_id":"sub_00000000000001"}}}}`
	require.Equal(t, http.StatusOK, deliverSigned(p, charged).Code)

	sub, err := manager.Get(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, sub.Tier)
	assert.Equal(t, "sub_00000000000001", sub.ProviderSubscriptionID)

	completed := `{"event":"subscription.completed","payload":{
	  "subscription":{"entity":{"id":"sub_00000000000001","notes":{"uid":"u5"}}}}}`
	require.Equal(t, http.StatusOK, deliverSigned(p, completed).Code)

	sub, err = manager.Get(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCompleted, sub.Status)
	assert.Equal(t, entitlement.TierFree, sub.Tier)
	assert.Equal(t, entitlement.TierPremium, sub.PreviousTier)
}

func TestProvider_Refund(t *testing.T) {
	p, manager, _ := newTestProvider(t)
	require.Equal(t, http.StatusOK, deliverSigned(p, paymentCaptured).Code)

	refund := `{"event":"refund.processed","payload":{
	  "refund":{"entity":{"id":"rfnd_1","payment_id":"pay_123","notes":{"userId":"u1"}}}}}`
	require.Equal(t, http.StatusOK, deliverSigned(p, refund).Code)

	sub, err := manager.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusRefunded, sub.Status)
	assert.Equal(t, entitlement.TierFree, sub.Tier)
	assert.Equal(t, entitlement.TierPlus, sub.PreviousTier)
}

func TestProvider_InformationalEvents(t *testing.T) {
	p, _, store := newTestProvider(t)

	for name, rule := range Events {
		if !rule.IsInformational() {
			continue
		}
		body := `{"event":"` + name + `","payload":{}}`
		rec := deliverSigned(p, body)
		assert.Equal(t, http.StatusOK, rec.Code, name)
	}
	assert.Zero(t, store.calls.Load())
}

func TestTable(t *testing.T) {
	families := map[string]billing.Rule{
		"payment.captured":           billing.Grant,
		"order.paid":                 billing.Grant,
		"subscription.charged":       billing.Grant,
		"subscription.cancelled":     billing.Cancel,
		"payment.refunded":           billing.Refund,
		"refund.processed":           billing.Refund,
		"subscription.completed":     billing.Complete,
		"subscription.halted":        billing.ExpireNotice,
		"subscription.pending":       billing.ExpireNotice,
		"payment.authorized":         billing.Informational,
		"payment.failed":             billing.Informational,
		"order.created":              billing.Informational,
		"subscription.authenticated": billing.Informational,
		"subscription.activated":     billing.Informational,
		"refund.created":             billing.Informational,
	}
	assert.Equal(t, families, Events)
}
