// Package fiber provides Fiber middleware for plan limit enforcement
package fiber

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DecisionKey is the fiber locals key holding the allowing billing.Decision.
const DecisionKey = "billing.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// CountExtractor returns the user's current count of the guarded resource.
type CountExtractor func(c *fiber.Ctx, userID string) (int, error)

// Config holds middleware configuration
type Config struct {
	// Guard is the plan guard instance
	Guard *billing.PlanGuard

	// Resource is the limited resource (required)
	Resource billing.Resource

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetCurrentCount returns the current count (required)
	GetCurrentCount CountExtractor

	// OnLimitReached is called when the plan limit is reached
	// If nil, returns 403 {"success":false,"message":...}
	OnLimitReached func(c *fiber.Ctx, d billing.Decision) error

	// OnUnauthorized is called when user is not authenticated or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces plan limits
func Middleware(cfg Config) fiber.Handler {
	if cfg.Guard == nil {
		panic("gobilling/fiber: Config.Guard is required")
	}
	if _, err := billing.ParseResource(string(cfg.Resource)); err != nil {
		panic("gobilling/fiber: " + err.Error())
	}
	if cfg.GetUserID == nil {
		panic("gobilling/fiber: Config.GetUserID is required")
	}
	if cfg.GetCurrentCount == nil {
		panic("gobilling/fiber: Config.GetCurrentCount is required")
	}

	if cfg.OnLimitReached == nil {
		cfg.OnLimitReached = defaultLimitReached
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		current, err := cfg.GetCurrentCount(c, userID)
		if err != nil {
			return cfg.OnError(c, err)
		}

		d, err := cfg.Guard.Check(c.UserContext(), userID, cfg.Resource, current)
		if err != nil {
			if errors.Is(err, billing.ErrUserNotFound) {
				return cfg.OnUnauthorized(c)
			}
			return cfg.OnError(c, err)
		}

		c.Set("X-Billing-Plan", string(d.Plan))
		c.Set("X-Billing-Limit", strconv.Itoa(d.Limit))
		if !d.Allowed {
			return cfg.OnLimitReached(c, d)
		}

		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
}

func defaultLimitReached(c *fiber.Ctx, d billing.Decision) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"success": false, "message": d.Message()})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Internal Server Error"})
}

// FromLocals returns an UserIDExtractor that gets user ID from fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedCount returns a CountExtractor that always returns n
func FixedCount(n int) CountExtractor {
	return func(*fiber.Ctx, string) (int, error) {
		return n, nil
	}
}
