// Package echo provides Echo middleware for plan limit enforcement
package echo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DecisionKey is the echo context key holding the allowing billing.Decision.
const DecisionKey = "billing.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// CountExtractor returns the user's current count of the guarded resource.
type CountExtractor func(c echo.Context, userID string) (int, error)

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
	OnLimitReached func(c echo.Context, d billing.Decision) error

	// OnUnauthorized is called when user is not authenticated or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces plan limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Guard == nil {
		panic("gobilling/echo: Config.Guard is required")
	}
	if _, err := billing.ParseResource(string(cfg.Resource)); err != nil {
		panic("gobilling/echo: " + err.Error())
	}
	if cfg.GetUserID == nil {
		panic("gobilling/echo: Config.GetUserID is required")
	}
	if cfg.GetCurrentCount == nil {
		panic("gobilling/echo: Config.GetCurrentCount is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			current, err := cfg.GetCurrentCount(c, userID)
			if err != nil {
				return cfg.OnError(c, err)
			}

			d, err := cfg.Guard.Check(c.Request().Context(), userID, cfg.Resource, current)
			if err != nil {
				if errors.Is(err, billing.ErrUserNotFound) {
					return cfg.OnUnauthorized(c)
				}
				return cfg.OnError(c, err)
			}

			c.Response().Header().Set("X-Billing-Plan", string(d.Plan))
			c.Response().Header().Set("X-Billing-Limit", strconv.Itoa(d.Limit))
			if !d.Allowed {
				return cfg.OnLimitReached(c, d)
			}

			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
}

func defaultLimitReached(c echo.Context, d billing.Decision) error {
	return c.JSON(http.StatusForbidden, map[string]any{"success": false, "message": d.Message()})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "message": "Internal Server Error"})
}

// FromContext returns an UserIDExtractor that gets user ID from echo context
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCount returns a CountExtractor that always returns n
func FixedCount(n int) CountExtractor {
	return func(echo.Context, string) (int, error) {
		return n, nil
	}
}
