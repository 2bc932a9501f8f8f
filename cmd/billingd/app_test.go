package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	testAdminToken  = "admin-secret"
	testPaystackKey = "sk_test_paystack"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:     billing.EnvironmentDevelopment,
		Listen:          ":0",
		LogLevel:        "error",
		BaseURL:         "http://localhost:3000",
		AdminToken:      testAdminToken,
		ShutdownTimeout: time.Second,
		Storage:         config.StorageConfig{Backend: config.BackendMemory, EventTTL: time.Hour},
		Paystack:        config.PaystackConfig{SecretKey: testPaystackKey, BaseURL: "http://127.0.0.1:1"},
		Metrics:         config.MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*app, http.Handler) {
	t.Helper()

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	h, err := a.router()
	require.NoError(t, err)
	return a, h
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_StripeDisabled(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	w := serve(h, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.NotEqual(t, http.StatusOK, w.Code)

	w = serve(h, httptest.NewRequest(http.MethodPost, "/subscriptions/create/stripe",
		strings.NewReader(`{"userId":"u1","priceId":"price_123PRO"}`)))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{"disabled", "", "Bearer anything", http.StatusNotFound},
		{"missing header", testAdminToken, "", http.StatusUnauthorized},
		{"wrong token", testAdminToken, "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", testAdminToken, "Basic " + testAdminToken, http.StatusUnauthorized},
		{"ok", testAdminToken, "Bearer " + testAdminToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := adminAuth(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.wantStatus, serve(h, req).Code)
		})
	}
}

func TestPaystackWebhookEndToEnd(t *testing.T) {
	a, h := newTestServer(t, testConfig())
	ctx := context.Background()
	require.NoError(t, a.store.PutUser(ctx, &billing.User{ID: "u1", Email: "u1@example.com"}))

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-100","amount":100000,` +
		`"status":"success","customer":{"email":"u1@example.com"},"metadata":{"userId":"u1"}}}`)
	mac := hmac.New(sha512.New, []byte(testPaystackKey))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewReader(body))
		req.Header.Set(billing.PaystackSignatureHeader, sig)
		return serve(h, req)
	}

	w := post("deadbeef")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(signature)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	// Redelivery is acknowledged without changes.
	w = post(signature)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/u1", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w = serve(h, req)
	require.Equal(t, http.StatusOK, w.Code)

	var sub billing.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, billing.PlanAgency, sub.Plan)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, billing.ProviderPaystack, sub.Provider)
	assert.Equal(t, "ref-100", sub.ProviderSubscriptionID)

	req = httptest.NewRequest(http.MethodGet, "/users/u1/entitlements", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w = serve(h, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"maxGuilds":20`)

	req = httptest.NewRequest(http.MethodGet, "/subscriptions/active/count", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w = serve(h, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":1}`, w.Body.String())
}

func TestPurgeLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPurger{}

	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, &billing.NoopLogger{}, p, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop")
	}
}

func TestNewZerolog_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Environment = "production"
	cfg.LogLevel = "warn"

	zl := newZerolog(cfg, &buf)
	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"service":"billingd"`)
}

type countingPurger struct {
	n atomic.Int64
}

func (p *countingPurger) PurgeEvents(context.Context, time.Time) (int64, error) {
	p.n.Add(1)
	return 0, nil
}

func (p *countingPurger) calls() int64 { return p.n.Load() }
