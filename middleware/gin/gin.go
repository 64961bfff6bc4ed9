// Package gin provides Gin middleware for entitlement feature gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SubscriptionKey is the Gin context key holding the effective subscription
const SubscriptionKey = "entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, eff entitlement.EffectiveSubscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that gates requests on a feature
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		eff, err := cfg.Manager.Effective(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if cfg.Feature != "" && !cfg.Manager.Calculator().CanAccess(eff.Subscription, cfg.Feature) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, eff)
			} else {
				defaultForbidden(c, cfg.Feature, eff)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, eff)
		c.Header("X-Entitlement-Tier", string(eff.Tier()))
		c.Next()
	}
}

// RequireFeature is shorthand for Middleware with default responses.
func RequireFeature(manager *entitlement.Manager, feature entitlement.Feature,
	getUserID UserIDExtractor) gongin.HandlerFunc {
	return Middleware(Config{Manager: manager, GetUserID: getUserID, Feature: feature})
}

// Subscription returns the effective subscription attached by Middleware
func Subscription(c *gongin.Context) (entitlement.EffectiveSubscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return entitlement.EffectiveSubscription{}, false
	}
	eff, ok := val.(entitlement.EffectiveSubscription)
	return eff, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, feature entitlement.Feature, eff entitlement.EffectiveSubscription) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":   "Feature not available on current tier",
		"feature": string(feature),
		"tier":    string(eff.Tier()),
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
