// Package fiber provides Fiber middleware for entitlement feature gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SubscriptionKey is the Fiber locals key holding the effective subscription
const SubscriptionKey = "entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, eff entitlement.EffectiveSubscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that gates requests on a feature
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		eff, err := cfg.Manager.Effective(c.UserContext(), userID)
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

		c.Locals(SubscriptionKey, eff)
		c.Set("X-Entitlement-Tier", string(eff.Tier()))
		return c.Next()
	}
}

// RequireFeature is shorthand for Middleware with default responses.
func RequireFeature(manager *entitlement.Manager, feature entitlement.Feature,
	getUserID UserIDExtractor) fiber.Handler {
	return Middleware(Config{Manager: manager, GetUserID: getUserID, Feature: feature})
}

// Subscription returns the effective subscription attached by Middleware
func Subscription(c *fiber.Ctx) (entitlement.EffectiveSubscription, bool) {
	eff, ok := c.Locals(SubscriptionKey).(entitlement.EffectiveSubscription)
	return eff, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, feature entitlement.Feature, eff entitlement.EffectiveSubscription) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":   "Feature not available on current tier",
		"feature": string(feature),
		"tier":    string(eff.Tier()),
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
