package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testSecretKey   = "sk_test_paystack"
	testUserID      = "u1"
	testUserEmail   = "u1@example.com"
	testReference   = "ref_123"
	testFrontendURL = "https://app.example.com"
)

type fakePaystackAPI struct {
	mu          sync.Mutex
	server      *httptest.Server
	initialized []InitializeRequest
	authHeaders []string
	verifyData  string
}

func newFakePaystackAPI(t *testing.T) *fakePaystackAPI {
	t.Helper()
	f := &fakePaystackAPI{}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePaystackAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == endpointInitialize:
		var req InitializeRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		f.initialized = append(f.initialized, req)
		_, _ = io.WriteString(w, `{"status":true,"message":"Authorization URL created","data":{`+
			`"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"`+req.Reference+`"}}`)
	case r.Method == http.MethodGet && r.URL.Path == endpointVerify+"/"+testReference:
		_, _ = io.WriteString(w, `{"status":true,"message":"Verification successful","data":`+f.verifyData+`}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":false,"message":"Transaction reference not found"}`)
	}
}

func (f *fakePaystackAPI) requests() ([]InitializeRequest, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InitializeRequest(nil), f.initialized...), append([]string(nil), f.authHeaders...)
}

type testEnv struct {
	store    *memory.Storage
	provider *Provider
	api      *fakePaystackAPI
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.PutUser(ctx, &billing.User{ID: testUserID, Email: testUserEmail, Plan: billing.PlanFree}))

	api := newFakePaystackAPI(t)
	plans := billing.DefaultPlanRegistry()

	normalizer, err := billing.NewNormalizer(billing.NormalizerConfig{
		Plans:    plans,
		Adapters: []billing.Adapter{NewAdapter()},
	})
	require.NoError(t, err)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Users: store, Subscriptions: store})
	require.NoError(t, err)
	service, err := billing.NewService(billing.ServiceConfig{
		Verifier:   billing.NewVerifier(billing.VerifierConfig{PaystackSecretKey: testSecretKey}),
		Normalizer: normalizer,
		Reconciler: reconciler,
		Events:     store,
	})
	require.NoError(t, err)

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Service: service,
			Plans:   plans,
			Users:   store,
			APIKey:  testSecretKey,
			BaseURL: testFrontendURL,
		},
		APIBaseURL: api.server.URL,
	})
	require.NoError(t, err)

	return &testEnv{store: store, provider: provider, api: api}
}

func chargeEvent(event string, amount int64, metadata interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"event": event,
		"data": map[string]interface{}{
			"reference": testReference,
			"amount":    amount,
			"status":    "success",
			"customer":  map[string]string{"email": testUserEmail},
			"metadata":  metadata,
		},
	})
	return body
}

func (e *testEnv) post(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", strings.NewReader(string(body)))
	if signature != "" {
		req.Header.Set(billing.PaystackSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	return billing.ComputePaystackSignature(body, testSecretKey)
}

func TestWebhook_AmountResolvesPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := chargeEvent(eventChargeSuccess, 100000, map[string]string{"userId": testUserID})

	rec := env.post(t, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK", rec.Body.String())

	sub, err := env.store.GetSubscription(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAgency, sub.Plan)
	assert.Equal(t, billing.ProviderPaystack, sub.Provider)
	assert.Equal(t, testReference, sub.ProviderSubscriptionID)

	user, err := env.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAgency, user.Plan)
	assert.True(t, user.IsSubscribed)
}

func TestWebhook_MetadataAsJSONString(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := chargeEvent(eventChargeSuccess, 50000, `{"userId":"u1","plan":"agency"}`)

	rec := env.post(t, body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	user, err := env.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAgency, user.Plan, "metadata plan wins over the amount")
}

func TestWebhook_EmailFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := chargeEvent(eventChargeSuccess, 50000, nil)

	require.Equal(t, http.StatusOK, env.post(t, body, sign(body)).Code)

	user, err := env.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanPro, user.Plan)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	body := chargeEvent(eventChargeSuccess, 100000, map[string]string{"userId": testUserID})

	rec := env.post(t, body, sign([]byte("something else")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.post(t, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, 0, env.store.SubscriptionCount())
}

func TestWebhook_MalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event":`)

	rec := env.post(t, body, sign(body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_UnhandledEvent(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event":"transfer.success","data":{"reference":"t1"}}`)

	rec := env.post(t, body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.store.SubscriptionCount())
}

func TestWebhook_ChargeFailedRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	paid := chargeEvent(eventChargeSuccess, 50000, map[string]string{"userId": testUserID})
	require.Equal(t, http.StatusOK, env.post(t, paid, sign(paid)).Code)

	failed := chargeEvent(eventChargeFailed, 50000, map[string]string{"userId": testUserID})
	require.Equal(t, http.StatusOK, env.post(t, failed, sign(failed)).Code)

	user, err := env.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.False(t, user.IsSubscribed)
	assert.Equal(t, billing.PlanPro, user.Plan)
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t)

	auth, err := env.provider.Initialize(context.Background(), testUserID, "", 1000)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/abc", auth.AuthorizationURL)
	assert.Equal(t, "abc", auth.AccessCode)
	assert.NotEmpty(t, auth.Reference)

	initialized, headers := env.api.requests()
	require.Len(t, initialized, 1)
	req := initialized[0]
	assert.Equal(t, int64(100000), req.Amount)
	assert.Equal(t, testUserEmail, req.Email)
	assert.Equal(t, auth.Reference, req.Reference)
	assert.Equal(t, testFrontendURL+"/billing/paystack/callback", req.CallbackURL)
	assert.Equal(t, map[string]string{"userId": testUserID, "plan": "agency"}, req.Metadata)
	assert.Equal(t, "Bearer "+testSecretKey, headers[0])
}

func TestNairaToKobo(t *testing.T) {
	tests := []struct {
		naira float64
		want  int64
	}{
		{500, 50000},
		{500.5, 50050},
		{0.1 + 0.2, 30},
		{499.999, 50000},
		{1000.004, 100000},
		{0.004, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NairaToKobo(tt.naira), "%v naira", tt.naira)
	}
}

func TestInitialize_FractionalNairaRoundsToPlanAmount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.Initialize(context.Background(), testUserID, "", 499.999)
	require.NoError(t, err)

	initialized, _ := env.api.requests()
	require.Len(t, initialized, 1)
	assert.Equal(t, int64(50000), initialized[0].Amount)
	assert.Equal(t, "pro", initialized[0].Metadata["plan"])
}

func TestInitialize_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.provider.Initialize(ctx, testUserID, "", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.provider.Initialize(ctx, testUserID, "", 0.004)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.provider.Initialize(ctx, testUserID, "", 777)
	assert.ErrorIs(t, err, billing.ErrPlanNotConfigured)

	_, err = env.provider.Initialize(ctx, "ghost", "", 500)
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	initialized, _ := env.api.requests()
	assert.Empty(t, initialized)
}

func TestVerify_ReconcilesPaidTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.api.verifyData = `{"id":1,"status":"success","reference":"` + testReference + `","amount":50000,` +
		`"currency":"NGN","customer":{"email":"` + testUserEmail + `"},"metadata":{"userId":"u1","plan":"pro"}}`

	res, err := env.provider.Verify(ctx, testReference)
	require.NoError(t, err)
	assert.Equal(t, billing.DeliveryProcessed, res.Status)
	assert.Equal(t, billing.ActionActivated, res.Action)
	assert.Equal(t, int64(50000), res.Transaction.Amount)

	user, err := env.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanPro, user.Plan)
	assert.True(t, user.IsSubscribed)

	// The webhook for the same charge is now a duplicate.
	body := chargeEvent(eventChargeSuccess, 50000, map[string]string{"userId": testUserID})
	require.Equal(t, http.StatusOK, env.post(t, body, sign(body)).Code)
	processed, err := env.store.IsEventProcessed(ctx, "paystack:charge.success:"+testReference)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestVerify_PendingTransactionUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.api.verifyData = `{"id":1,"status":"abandoned","reference":"` + testReference + `","amount":50000}`

	res, err := env.provider.Verify(ctx, testReference)
	require.NoError(t, err)
	assert.Empty(t, res.Status)
	assert.Equal(t, 0, env.store.SubscriptionCount())
}

func TestVerify_UnknownReference(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.Verify(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"object", `{"userId":"u1","plan":"pro"}`, map[string]string{"userId": "u1", "plan": "pro"}},
		{"string", `"{\"userId\":\"u1\"}"`, map[string]string{"userId": "u1"}},
		{"numbers", `{"userId":42,"trial":true}`, map[string]string{"userId": "42", "trial": "true"}},
		{"empty string", `""`, map[string]string{}},
		{"null", `null`, map[string]string{}},
		{"garbage string", `"not json"`, map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMetadata(json.RawMessage(tt.raw)))
		})
	}
}
