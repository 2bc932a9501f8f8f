// Package http provides net/http middleware that enforces plan limits
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// CountExtractor returns how many connections of the guarded resource the
// user already has.
type CountExtractor func(r *http.Request, userID string) (int, error)

// Config holds middleware configuration
type Config struct {
	// Guard checks counts against plan limits (required)
	Guard *billing.PlanGuard

	// Resource is the limited resource this route creates (required)
	Resource billing.Resource

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetCurrentCount returns the user's current count (required)
	GetCurrentCount CountExtractor

	// OnLimitReached is called when the plan limit is reached
	// If nil, returns 403 with {"success":false,"message":...}
	OnLimitReached func(w http.ResponseWriter, r *http.Request, d billing.Decision)

	// OnUnauthorized is called when user is not authenticated or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Response is the JSON body written by the default handlers.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Middleware creates an HTTP middleware that enforces plan limits
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Guard == nil {
		panic("gobilling/http: Config.Guard is required")
	}
	if _, err := billing.ParseResource(string(config.Resource)); err != nil {
		panic("gobilling/http: " + err.Error())
	}
	if config.GetUserID == nil || config.GetCurrentCount == nil {
		panic("gobilling/http: Config.GetUserID and Config.GetCurrentCount are required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(config, w, r)
				return
			}

			current, err := config.GetCurrentCount(r, userID)
			if err != nil {
				internalError(config, w, r, err)
				return
			}

			d, err := config.Guard.Check(r.Context(), userID, config.Resource, current)
			if err != nil {
				if errors.Is(err, billing.ErrUserNotFound) {
					unauthorized(config, w, r)
					return
				}
				internalError(config, w, r, err)
				return
			}

			w.Header().Set(PlanHeader, string(d.Plan))
			w.Header().Set(LimitHeader, strconv.Itoa(d.Limit))
			if !d.Allowed {
				if config.OnLimitReached != nil {
					config.OnLimitReached(w, r, d)
				} else {
					WriteJSON(w, http.StatusForbidden, Response{Success: false, Message: d.Message()})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces plan limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Headers set on every checked request.
const (
	PlanHeader  = "X-Billing-Plan"
	LimitHeader = "X-Billing-Limit"
)

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	WriteJSON(w, http.StatusUnauthorized, Response{Success: false, Message: "Unauthorized"})
}

func internalError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusInternalServerError, Response{Success: false, Message: "Internal Server Error"})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"

	decisionKey ContextKey = "billing:decision"
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

// FixedCount returns a CountExtractor that always returns n. Useful in tests.
func FixedCount(n int) CountExtractor {
	return func(*http.Request, string) (int, error) {
		return n, nil
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithDecision stores the allowing decision for downstream handlers.
func WithDecision(ctx context.Context, d billing.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(ctx context.Context) (billing.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(billing.Decision)
	return d, ok
}
