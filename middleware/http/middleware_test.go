package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// errorStorage is a mock storage that always fails on Get
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) Get(_ context.Context, _ string) (*entitlement.Subscription, error) {
	return nil, errors.New("connection refused")
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// Test helper to create a test manager
func setupTestManager(t *testing.T, storage entitlement.Storage, now *time.Time) *entitlement.Manager {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	if now == nil {
		now = &testNow
	}
	manager, err := entitlement.NewManager(storage, entitlement.Config{
		Now:                    func() time.Time { return *now },
		DisableExpiryWriteBack: true,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

// Test helper to grant a paid tier
func grantTier(t *testing.T, manager *entitlement.Manager, userID string, tier entitlement.Tier) {
	t.Helper()
	_, err := manager.Apply(context.Background(), &entitlement.Event{
		Kind:           entitlement.EventGrant,
		UserID:         userID,
		Tier:           tier,
		DurationDays:   30,
		IdempotencyKey: "pay_" + userID,
		PaymentID:      "pay_" + userID,
	})
	if err != nil {
		t.Fatalf("Failed to grant tier: %v", err)
	}
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/editor", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func TestMiddleware_Allowed(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	grantTier(t, manager, "user1", entitlement.TierPlus)

	var seen entitlement.EffectiveSubscription
	handler := RequireFeature(manager, entitlement.FeatureImageEditor, FromHeader("X-User-ID"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = SubscriptionFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	w := serve(handler, "user1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(TierHeader); got != "plus" {
		t.Errorf("Expected tier header plus, got %q", got)
	}
	if seen.Tier() != entitlement.TierPlus {
		t.Errorf("Expected subscription in context, got tier %q", seen.Tier())
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	grantTier(t, manager, "user1", entitlement.TierPlus)
	handler := RequireFeature(manager, entitlement.FeatureBatchGeneration, FromHeader("X-User-ID"))(okHandler())

	// plus has no batch generation, free user has no record at all
	for _, userID := range []string{"user1", "nobody"} {
		w := serve(handler, userID)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", userID, w.Code)
		}
	}
}

func TestMiddleware_LapsedGrantIsForbidden(t *testing.T) {
	now := testNow
	manager := setupTestManager(t, nil, &now)
	grantTier(t, manager, "user1", entitlement.TierPremium)
	handler := RequireFeature(manager, entitlement.FeatureImageEditor, FromHeader("X-User-ID"))(okHandler())

	if w := serve(handler, "user1"); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 before expiry, got %d", w.Code)
	}
	now = now.Add(31 * 24 * time.Hour)
	if w := serve(handler, "user1"); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 after expiry, got %d", w.Code)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	handler := RequireFeature(manager, entitlement.FeatureChatbot, FromHeader("X-User-ID"))(okHandler())

	if w := serve(handler, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddleware_StorageErrorFailsClosed(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()}, nil)

	var gotErr error
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureChatbot,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler())

	w := serve(handler, "user1")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom status 503, got %d", w.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

func TestMiddleware_CustomForbidden(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	handler := Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureWardrobe,
		OnForbidden: func(w http.ResponseWriter, _ *http.Request, eff entitlement.EffectiveSubscription) {
			w.Header().Set("X-Upgrade", string(eff.Tier()))
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler())

	w := serve(handler, "user1")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if w.Header().Get("X-Upgrade") != "free" {
		t.Errorf("Expected effective tier free, got %q", w.Header().Get("X-Upgrade"))
	}
}

func TestMiddleware_NoFeatureAttachesOnly(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	handler := HandlerFunc(Config{Manager: manager, GetUserID: FromContext(UserIDKey)})(
		func(w http.ResponseWriter, r *http.Request) {
			if _, ok := SubscriptionFromContext(r.Context()); !ok {
				t.Error("Expected subscription in context")
			}
			w.WriteHeader(http.StatusNoContent)
		})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	w := httptest.NewRecorder()
	handler(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
}

func TestMiddleware_PanicsWithoutManager(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing manager")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}
