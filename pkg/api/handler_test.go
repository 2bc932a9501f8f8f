package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/paystack"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const testUserID = "user123"

type fakeStripe struct {
	gotUser, gotPrice string
	err               error
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, userID, priceID string) (*stripe.CheckoutSession, error) {
	f.gotUser, f.gotPrice = userID, priceID
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

type fakePaystack struct {
	gotAmount float64
	gotEmail  string
	err       error
	verify    *paystack.VerifyResult
}

func (f *fakePaystack) Initialize(_ context.Context, _, email string, amountNaira float64) (*paystack.Authorization, error) {
	f.gotAmount, f.gotEmail = amountNaira, email
	if f.err != nil {
		return nil, f.err
	}
	return &paystack.Authorization{
		AuthorizationURL: "https://checkout.paystack.com/abc",
		AccessCode:       "abc",
		Reference:        "ref-1",
	}, nil
}

func (f *fakePaystack) Verify(_ context.Context, reference string) (*paystack.VerifyResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.verify != nil {
		return f.verify, nil
	}
	return &paystack.VerifyResult{Transaction: &paystack.Transaction{Reference: reference, Status: "abandoned"}}, nil
}

type failingSubs struct {
	*memory.Storage
}

func (failingSubs) ListSubscriptions(context.Context, billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	return nil, 0, errors.New("connection refused")
}

type testEnv struct {
	store    *memory.Storage
	stripe   *fakeStripe
	paystack *fakePaystack
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	guard, err := billing.NewPlanGuard(store, billing.DefaultPlanRegistry(), nil)
	require.NoError(t, err)

	env := &testEnv{store: store, stripe: &fakeStripe{}, paystack: &fakePaystack{}}
	h, err := NewHandler(Config{
		Subscriptions: store,
		Guard:         guard,
		Stripe:        env.stripe,
		Paystack:      env.paystack,
	})
	require.NoError(t, err)
	env.router = h.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func seedSubscription(t *testing.T, store *memory.Storage, userID string, provider billing.ProviderName,
	plan billing.Plan, status billing.SubscriptionStatus) {
	t.Helper()

	_, err := store.UpsertSubscription(context.Background(), &billing.Subscription{
		UserID:    userID,
		Provider:  provider,
		Plan:      plan,
		Status:    status,
		StartDate: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	store := memory.New()
	_, err = NewHandler(Config{Subscriptions: store})
	assert.Error(t, err)
}

func TestHandler_CreateStripeCheckout(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/subscriptions/create/stripe", `{"userId":"user123","priceId":"price_123PRO"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"url":"https://checkout.stripe.com/c/pay/cs_test_1","id":"cs_test_1"}`, w.Body.String())
	assert.Equal(t, testUserID, env.stripe.gotUser)
	assert.Equal(t, "price_123PRO", env.stripe.gotPrice)
}

func TestHandler_CreateStripeCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"missing price", `{"userId":"user123"}`, nil, http.StatusBadRequest},
		{"malformed json", `{"userId":`, nil, http.StatusBadRequest},
		{"unknown price", `{"userId":"user123","priceId":"price_x"}`, billing.ErrPlanNotConfigured, http.StatusBadRequest},
		{"unknown user", `{"userId":"ghost","priceId":"price_123PRO"}`, billing.ErrUserNotFound, http.StatusNotFound},
		{"stripe down", `{"userId":"user123","priceId":"price_123PRO"}`, billing.ErrCircuitOpen, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.stripe.err = tt.err

			w := env.do(t, http.MethodPost, "/subscriptions/create/stripe", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestHandler_CreateStripeCheckout_ValidationFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/subscriptions/create/stripe", `{"priceId":"price_123PRO"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "failed required", body.Fields["userId"])
}

func TestHandler_CreatePaystackCheckout(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/subscriptions/create/paystack",
		`{"userId":"user123","amount":500,"email":"a@example.com"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"ref-1"}`,
		w.Body.String())
	assert.Equal(t, 500.0, env.paystack.gotAmount)
	assert.Equal(t, "a@example.com", env.paystack.gotEmail)
}

func TestHandler_CreatePaystackCheckout_FractionalNaira(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/subscriptions/create/paystack",
		`{"userId":"user123","amount":500.5}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 500.5, env.paystack.gotAmount, 1e-9)
}

func TestHandler_CreatePaystackCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"zero amount", `{"userId":"user123","amount":0}`, nil, http.StatusBadRequest},
		{"negative amount", `{"userId":"user123","amount":-1.5}`, nil, http.StatusBadRequest},
		{"amount as string", `{"userId":"user123","amount":"500"}`, nil, http.StatusBadRequest},
		{"bad email", `{"userId":"user123","amount":500,"email":"nope"}`, nil, http.StatusBadRequest},
		{"unmapped amount", `{"userId":"user123","amount":7}`, billing.ErrPlanNotConfigured, http.StatusBadRequest},
		{"storage", `{"userId":"user123","amount":500}`,
			&billing.StorageError{Op: "get user", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.paystack.err = tt.err

			w := env.do(t, http.MethodPost, "/subscriptions/create/paystack", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestHandler_VerifyPaystack(t *testing.T) {
	env := newTestEnv(t)
	env.paystack.verify = &paystack.VerifyResult{
		Transaction: &paystack.Transaction{Reference: "ref-9", Status: paystack.TransactionSuccess, Amount: 100000},
		Status:      billing.DeliveryProcessed,
		Action:      billing.ActionActivated,
	}

	w := env.do(t, http.MethodGet, "/subscriptions/verify/paystack/ref-9", "")

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "processed", got["status"])
	assert.Equal(t, string(billing.ActionActivated), got["action"])
	tx, ok := got["transaction"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ref-9", tx["reference"])
}

func TestHandler_VerifyPaystack_ProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.paystack.err = &paystack.APIError{StatusCode: 404, Message: "Transaction reference not found"}

	w := env.do(t, http.MethodGet, "/subscriptions/verify/paystack/missing", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_ProvidersNotConfigured(t *testing.T) {
	store := memory.New()
	guard, err := billing.NewPlanGuard(store, billing.DefaultPlanRegistry(), nil)
	require.NoError(t, err)
	h, err := NewHandler(Config{Subscriptions: store, Guard: guard})
	require.NoError(t, err)
	router := h.Routes()

	for _, target := range []string{"/subscriptions/create/stripe", "/subscriptions/create/paystack"} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotImplemented, w.Code, target)
	}
}

func TestHandler_ListSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(t, env.store, "u1", billing.ProviderStripe, billing.PlanPro, billing.StatusActive)
	seedSubscription(t, env.store, "u2", billing.ProviderPaystack, billing.PlanAgency, billing.StatusActive)
	seedSubscription(t, env.store, "u3", billing.ProviderStripe, billing.PlanPro, billing.StatusCanceled)

	tests := []struct {
		name      string
		query     string
		wantTotal int
		wantLen   int
	}{
		{"all", "", 3, 3},
		{"by provider", "?provider=stripe", 2, 2},
		{"by status", "?status=active", 2, 2},
		{"by plan", "?plan=AGENCY", 1, 1},
		{"paged", "?limit=2&offset=2", 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/subscriptions"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)

			var body ListResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantTotal, body.Total)
			assert.Len(t, body.Subscriptions, tt.wantLen)
		})
	}
}

func TestHandler_ListSubscriptions_BadQuery(t *testing.T) {
	env := newTestEnv(t)

	for _, query := range []string{"?provider=paypal", "?status=trial", "?limit=abc", "?offset=-1"} {
		w := env.do(t, http.MethodGet, "/subscriptions"+query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestHandler_ListSubscriptions_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subscriptions":[]`)
}

func TestHandler_ActiveCount(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(t, env.store, "u1", billing.ProviderStripe, billing.PlanPro, billing.StatusActive)
	seedSubscription(t, env.store, "u2", billing.ProviderPaystack, billing.PlanPro, billing.StatusActive)
	seedSubscription(t, env.store, "u3", billing.ProviderStripe, billing.PlanPro, billing.StatusExpired)

	w := env.do(t, http.MethodGet, "/subscriptions/active/count", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":2}`, w.Body.String())
}

func TestHandler_GetSubscription(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(t, env.store, testUserID, billing.ProviderStripe, billing.PlanPro, billing.StatusActive)

	w := env.do(t, http.MethodGet, "/subscriptions/"+testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var sub billing.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, billing.PlanPro, sub.Plan)
	assert.Equal(t, billing.ProviderStripe, sub.Provider)

	w = env.do(t, http.MethodGet, "/subscriptions/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetEntitlements(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.PutUser(context.Background(), &billing.User{
		ID: testUserID, Plan: billing.PlanAgency, IsSubscribed: true,
	}))

	w := env.do(t, http.MethodGet, "/users/"+testUserID+"/entitlements", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"userId":"user123","plan":"agency","isSubscribed":true,"limits":{"maxGuilds":20,"maxTelegramGroups":20}}`,
		w.Body.String())

	w = env.do(t, http.MethodGet, "/users/ghost/entitlements", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StorageFailure(t *testing.T) {
	store := memory.New()
	guard, err := billing.NewPlanGuard(store, billing.DefaultPlanRegistry(), nil)
	require.NoError(t, err)

	var gotErr error
	h, err := NewHandler(Config{
		Subscriptions: failingSubs{store},
		Guard:         guard,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(StatusCode(err))
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/active/count", http.NoBody)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.ErrorIs(t, gotErr, billing.ErrStorage)
}

func TestHandler_AdminMiddleware(t *testing.T) {
	store := memory.New()
	guard, err := billing.NewPlanGuard(store, billing.DefaultPlanRegistry(), nil)
	require.NoError(t, err)
	h, err := NewHandler(Config{Subscriptions: store, Guard: guard})
	require.NoError(t, err)

	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}
	router := h.Routes(deny)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/subscriptions/create/stripe", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
