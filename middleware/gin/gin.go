// Package gin provides Gin middleware for plan limit enforcement
package gin

import (
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DecisionKey is the gin context key holding the allowing billing.Decision.
const DecisionKey = "billing.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// CountExtractor returns the user's current count of the guarded resource.
type CountExtractor func(c *gongin.Context, userID string) (int, error)

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
	OnLimitReached func(c *gongin.Context, d billing.Decision)

	// OnUnauthorized is called when user is not authenticated or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces plan limits
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Guard == nil {
		panic("gobilling/gin: Config.Guard is required")
	}
	if _, err := billing.ParseResource(string(cfg.Resource)); err != nil {
		panic("gobilling/gin: " + err.Error())
	}
	if cfg.GetUserID == nil {
		panic("gobilling/gin: Config.GetUserID is required")
	}
	if cfg.GetCurrentCount == nil {
		panic("gobilling/gin: Config.GetCurrentCount is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			unauthorized(cfg, c)
			return
		}

		current, err := cfg.GetCurrentCount(c, userID)
		if err != nil {
			internalError(cfg, c, err)
			return
		}

		d, err := cfg.Guard.Check(c.Request.Context(), userID, cfg.Resource, current)
		if err != nil {
			if errors.Is(err, billing.ErrUserNotFound) {
				unauthorized(cfg, c)
				return
			}
			internalError(cfg, c, err)
			return
		}

		c.Header("X-Billing-Plan", string(d.Plan))
		c.Header("X-Billing-Limit", strconv.Itoa(d.Limit))
		if !d.Allowed {
			if cfg.OnLimitReached != nil {
				cfg.OnLimitReached(c, d)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{"success": false, "message": d.Message()})
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Next()
	}
}

func unauthorized(cfg Config, c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
	} else {
		c.JSON(http.StatusUnauthorized, gongin.H{"success": false, "message": "Unauthorized"})
	}
	c.Abort()
}

func internalError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		_ = c.Error(err) //nolint:errcheck // recorded for gin's error handlers
		c.JSON(http.StatusInternalServerError, gongin.H{"success": false, "message": "Internal Server Error"})
	}
	c.Abort()
}

// FromContext returns an UserIDExtractor that gets user ID from gin context
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if userID, ok := v.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedCount returns a CountExtractor that always returns n
func FixedCount(n int) CountExtractor {
	return func(*gongin.Context, string) (int, error) {
		return n, nil
	}
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(c *gongin.Context) (billing.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return billing.Decision{}, false
	}
	d, ok := v.(billing.Decision)
	return d, ok
}
