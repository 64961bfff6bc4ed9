package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

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

// Test helper to create a test manager
func setupTestManager(t *testing.T, storage entitlement.Storage, now func() time.Time) *entitlement.Manager {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	manager, err := entitlement.NewManager(storage, entitlement.Config{Now: now, DisableExpiryWriteBack: true})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

// Test helper to grant a paid tier
func grantTier(t *testing.T, manager *entitlement.Manager, userID string, tier entitlement.Tier) {
	t.Helper()
	_, err := manager.Apply(context.Background(), &entitlement.Event{
		Kind: entitlement.EventGrant, UserID: userID, Tier: tier, DurationDays: 30,
		IdempotencyKey: "pay_" + userID, PaymentID: "pay_" + userID,
	})
	if err != nil {
		t.Fatalf("Failed to grant tier: %v", err)
	}
}

func newServer(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw)
	e.GET("/api/wardrobe", func(c echo.Context) error {
		eff, ok := Subscription(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "missing subscription")
		}
		return c.String(http.StatusOK, string(eff.Tier()))
	})
	return e
}

func request(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/wardrobe", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	grantTier(t, manager, "user1", entitlement.TierPlus)
	e := newServer(RequireFeature(manager, entitlement.FeatureWardrobe, FromHeader("X-User-ID")))

	rec := request(e, "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "plus" {
		t.Errorf("Expected plus, got %q", rec.Body.String())
	}
}

func TestMiddleware_FreeUserForbidden(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	e := newServer(RequireFeature(manager, entitlement.FeatureWardrobe, FromHeader("X-User-ID")))

	rec := request(e, "user1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_ExpiredGrantForbidden(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	manager := setupTestManager(t, nil, func() time.Time { return now })
	grantTier(t, manager, "user1", entitlement.TierPlus)
	e := newServer(RequireFeature(manager, entitlement.FeatureImageEditor, FromHeader("X-User-ID")))

	now = now.Add(30*24*time.Hour + time.Second)
	if rec := request(e, "user1"); rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	e := newServer(RequireFeature(manager, entitlement.FeatureChatbot, FromHeader("X-User-ID")))

	if rec := request(e, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()}, nil)
	e := newServer(RequireFeature(manager, entitlement.FeatureChatbot, FromHeader("X-User-ID")))

	if rec := request(e, "user1"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t, nil, nil)
	e := newServer(Middleware(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		Feature:   entitlement.FeatureBatchGeneration,
		OnForbidden: func(c echo.Context, _ entitlement.EffectiveSubscription) error {
			return c.String(http.StatusPaymentRequired, "upgrade")
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusTeapot, "who")
		},
	}))

	if rec := request(e, "user1"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if rec := request(e, ""); rec.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rec.Code)
	}
}
