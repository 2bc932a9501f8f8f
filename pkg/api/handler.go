package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/paystack"
)

const (
	maxUserIDLen    = 255
	maxRequestBytes = 16 << 10
)

// Handler provides the checkout, verification and admin subscription endpoints
type Handler struct {
	config   Config
	validate *validator.Validate
}

// Routes returns a router with every endpoint registered. Admin endpoints are
// wrapped with adminMiddleware when given.
func (h *Handler) Routes(adminMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/subscriptions/create/stripe", h.CreateStripeCheckout)
	r.Post("/subscriptions/create/paystack", h.CreatePaystackCheckout)
	r.Get("/subscriptions/verify/paystack/{reference}", h.VerifyPaystack)

	r.Group(func(r chi.Router) {
		r.Use(adminMiddleware...)
		r.Get("/subscriptions", h.ListSubscriptions)
		r.Get("/subscriptions/active/count", h.ActiveCount)
		r.Get("/subscriptions/{userId}", h.GetSubscription)
		r.Get("/users/{userId}/entitlements", h.GetEntitlements)
	})
	return r
}

// CreateStripeCheckout starts a Stripe subscription checkout.
func (h *Handler) CreateStripeCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Stripe == nil {
		h.handleError(w, r, fmt.Errorf("%w: stripe", billing.ErrProviderNotConfigured))
		return
	}

	var req CreateStripeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	session, err := h.config.Stripe.CreateCheckoutSession(r.Context(), req.UserID, req.PriceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateStripeResponse{URL: session.URL, ID: session.ID})
}

// CreatePaystackCheckout initializes a Paystack transaction.
func (h *Handler) CreatePaystackCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Paystack == nil {
		h.handleError(w, r, fmt.Errorf("%w: paystack", billing.ErrProviderNotConfigured))
		return
	}

	var req CreatePaystackRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	auth, err := h.config.Paystack.Initialize(r.Context(), req.UserID, req.Email, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// VerifyPaystack verifies a Paystack reference and reconciles it when paid.
func (h *Handler) VerifyPaystack(w http.ResponseWriter, r *http.Request) {
	if h.config.Paystack == nil {
		h.handleError(w, r, fmt.Errorf("%w: paystack", billing.ErrProviderNotConfigured))
		return
	}

	reference := chi.URLParam(r, "reference")
	if reference == "" || len(reference) > maxUserIDLen {
		h.handleError(w, r, &ValidationError{Fields: map[string]string{"reference": "failed required"}})
		return
	}

	result, err := h.config.Paystack.Verify(r.Context(), reference)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListSubscriptions returns a page of subscriptions. Query parameters:
// provider, status, plan, limit, offset.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	filter = filter.Normalize()

	subs, total, err := h.config.Subscriptions.ListSubscriptions(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, storageErr("list subscriptions", "", err))
		return
	}
	if subs == nil {
		subs = []billing.Subscription{}
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Subscriptions: subs,
		Total:         total,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	})
}

// ActiveCount returns the number of active subscriptions.
func (h *Handler) ActiveCount(w http.ResponseWriter, r *http.Request) {
	_, total, err := h.config.Subscriptions.ListSubscriptions(r.Context(),
		billing.SubscriptionFilter{Status: billing.StatusActive, Limit: 1})
	if err != nil {
		h.handleError(w, r, storageErr("count subscriptions", "", err))
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Active: total})
}

// GetSubscription returns one user's subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Subscriptions.GetSubscription(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, storageErr("get subscription", userID, err))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetEntitlements returns a user's effective plan and limits.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}

	ent, err := h.config.Guard.Entitlements(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userId")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, &ValidationError{Fields: map[string]string{"userId": "failed max=255"}})
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Fields: map[string]string{"body": "failed json: " + err.Error()}}
	}
	return h.validateRequest(dst)
}

func parseFilter(r *http.Request) (billing.SubscriptionFilter, error) {
	q := r.URL.Query()
	var f billing.SubscriptionFilter
	bad := map[string]string{}

	if v := q.Get("provider"); v != "" {
		p, err := billing.ParseProvider(v)
		if err != nil {
			bad["provider"] = "failed oneof=stripe paystack"
		}
		f.Provider = p
	}
	if v := q.Get("status"); v != "" {
		switch s := billing.SubscriptionStatus(v); s {
		case billing.StatusActive, billing.StatusPending, billing.StatusCanceled, billing.StatusExpired:
			f.Status = s
		default:
			bad["status"] = "failed oneof=active pending canceled expired"
		}
	}
	if v := q.Get("plan"); v != "" {
		f.Plan = billing.ParsePlan(v)
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			bad[name] = "failed min=0"
			continue
		}
		*dst = n
	}

	if len(bad) > 0 {
		return f, &ValidationError{Fields: bad}
	}
	return f, nil
}

func storageErr(op, userID string, err error) error {
	if errors.Is(err, billing.ErrSubscriptionNotFound) || errors.Is(err, billing.ErrUserNotFound) ||
		errors.Is(err, billing.ErrStorage) {
		return err
	}
	return &billing.StorageError{Op: op, UserID: userID, Err: err}
}

// StatusCode maps billing errors to HTTP status codes.
func StatusCode(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, billing.ErrPlanNotConfigured),
		errors.Is(err, paystack.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrUserNotFound), errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrProviderAPIError), errors.Is(err, billing.ErrCircuitOpen):
		return http.StatusBadGateway
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	body := ErrorResponse{Error: err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body = ErrorResponse{Error: "invalid request", Fields: verr.Fields}
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("subscription api request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Err(err),
		)
		if status == http.StatusInternalServerError {
			body.Error = http.StatusText(status)
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // response already started
}
