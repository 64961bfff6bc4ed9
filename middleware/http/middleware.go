// Package http provides HTTP middleware for entitlement feature gating
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// TierHeader carries the effective tier on gated responses.
const TierHeader = "X-Entitlement-Tier"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Feature is the capability the route requires. When empty the
	// middleware only attaches the effective subscription to the context.
	Feature entitlement.Feature

	// OnForbidden is called when the user's tier does not include Feature
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, eff entitlement.EffectiveSubscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement cannot be read. Access is never
	// granted on error.
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that gates requests on a feature
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			eff, err := config.Manager.Effective(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			if config.Feature != "" && !config.Manager.Calculator().CanAccess(eff.Subscription, config.Feature) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, eff)
				} else {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error":   "Feature not available on current tier",
						"feature": string(config.Feature),
						"tier":    string(eff.Tier()),
					})
				}
				return
			}

			w.Header().Set(TierHeader, string(eff.Tier()))
			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), eff)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates requests (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// RequireFeature is shorthand for Middleware with default responses.
func RequireFeature(manager *entitlement.Manager, feature entitlement.Feature,
	getUserID UserIDExtractor) func(http.Handler) http.Handler {
	return Middleware(Config{Manager: manager, GetUserID: getUserID, Feature: feature})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response already committed
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"

	// SubscriptionKey is the context key for the effective subscription
	SubscriptionKey ContextKey = "entitlement:subscription"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubscription adds the effective subscription to request context
func WithSubscription(ctx context.Context, eff entitlement.EffectiveSubscription) context.Context {
	return context.WithValue(ctx, SubscriptionKey, eff)
}

// SubscriptionFromContext returns the effective subscription attached by Middleware
func SubscriptionFromContext(ctx context.Context) (entitlement.EffectiveSubscription, bool) {
	eff, ok := ctx.Value(SubscriptionKey).(entitlement.EffectiveSubscription)
	return eff, ok
}
