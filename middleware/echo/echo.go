// Package echo provides Echo middleware for entitlement feature gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SubscriptionKey is the Echo context key holding the effective subscription
const SubscriptionKey = "entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *entitlement.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Feature is the capability the route requires. When empty the
	// middleware only attaches the effective subscription.
	Feature entitlement.Feature

	// OnForbidden is called when the user's tier does not include Feature
	// If nil, returns 403 Forbidden JSON
	OnForbidden func(c echo.Context, eff entitlement.EffectiveSubscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that gates requests on a feature
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			eff, err := cfg.Manager.Effective(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if cfg.Feature != "" && !cfg.Manager.Calculator().CanAccess(eff.Subscription, cfg.Feature) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, eff)
				}
				return defaultForbidden(c, cfg.Feature, eff)
			}

			c.Set(SubscriptionKey, eff)
			c.Response().Header().Set("X-Entitlement-Tier", string(eff.Tier()))
			return next(c)
		}
	}
}

// RequireFeature is shorthand for Middleware with default responses.
func RequireFeature(manager *entitlement.Manager, feature entitlement.Feature,
	getUserID UserIDExtractor) echo.MiddlewareFunc {
	return Middleware(Config{Manager: manager, GetUserID: getUserID, Feature: feature})
}

// Subscription returns the effective subscription attached by Middleware
func Subscription(c echo.Context) (entitlement.EffectiveSubscription, bool) {
	eff, ok := c.Get(SubscriptionKey).(entitlement.EffectiveSubscription)
	return eff, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, feature entitlement.Feature, eff entitlement.EffectiveSubscription) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":   "Feature not available on current tier",
		"feature": string(feature),
		"tier":    string(eff.Tier()),
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
