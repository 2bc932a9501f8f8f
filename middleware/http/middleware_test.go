package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

// setupTestGuard creates a guard over users with the given plans.
func setupTestGuard(t *testing.T, plans map[string]billing.Plan) *billing.PlanGuard {
	t.Helper()

	store := memory.New()
	for id, plan := range plans {
		if err := store.PutUser(context.Background(), &billing.User{ID: id, Plan: plan}); err != nil {
			t.Fatalf("Failed to seed user: %v", err)
		}
	}
	guard, err := billing.NewPlanGuard(store, billing.DefaultPlanRegistry(), nil)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	return guard
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		if !ok || !d.Allowed {
			t.Errorf("expected allowing decision in context, got %+v", d)
		}
		w.WriteHeader(http.StatusCreated)
	})
}

func TestMiddleware_Allowed(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": billing.PlanPro})

	mw := Middleware(Config{
		Guard:           guard,
		Resource:        billing.ResourceDiscord,
		GetUserID:       FromHeader("X-User-ID"),
		GetCurrentCount: FixedCount(4),
	})

	req := httptest.NewRequest(http.MethodPost, "/discord/connect", nil)
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	mw(okHandler(t)).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	if got := w.Header().Get(PlanHeader); got != "pro" {
		t.Errorf("Expected plan header pro, got %q", got)
	}
	if got := w.Header().Get(LimitHeader); got != "5" {
		t.Errorf("Expected limit header 5, got %q", got)
	}
}

func TestMiddleware_LimitReached(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": ""})

	mw := Middleware(Config{
		Guard:           guard,
		Resource:        billing.ResourceDiscord,
		GetUserID:       FromHeader("X-User-ID"),
		GetCurrentCount: FixedCount(1),
	})

	called := false
	handler := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/discord/connect", nil)
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Fatal("handler must not run when the limit is reached")
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", w.Code)
	}

	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	want := "Plan limit reached (1 Discord servers allowed for free plan)"
	if body.Success || body.Message != want {
		t.Errorf("Unexpected body %+v, want message %q", body, want)
	}
}

func TestMiddleware_TelegramMessage(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": billing.PlanAgency})

	handler := Middleware(Config{
		Guard:           guard,
		Resource:        billing.ResourceTelegram,
		GetUserID:       FromHeader("X-User-ID"),
		GetCurrentCount: FixedCount(20),
	})(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/telegram/connect", nil)
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Message != "Plan limit reached (20 Telegram groups allowed for agency plan)" {
		t.Errorf("Unexpected message %q", body.Message)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": billing.PlanPro})

	handler := Middleware(Config{
		Guard:           guard,
		Resource:        billing.ResourceDiscord,
		GetUserID:       FromHeader("X-User-ID"),
		GetCurrentCount: FixedCount(0),
	})(okHandler(t))

	tests := []struct {
		name   string
		userID string
	}{
		{"no user", ""},
		{"unknown user", "ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/discord/connect", nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
		})
	}
}

func TestMiddleware_CountError(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": billing.PlanPro})

	var gotErr error
	handler := Middleware(Config{
		Guard:     guard,
		Resource:  billing.ResourceDiscord,
		GetUserID: FromContext(UserIDKey),
		GetCurrentCount: func(*http.Request, string) (int, error) {
			return 0, errors.New("count failed")
		},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(okHandler(t))

	req := httptest.NewRequest(http.MethodPost, "/discord/connect", nil)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom error status, got %d", w.Code)
	}
	if gotErr == nil {
		t.Error("OnError was not called")
	}
}

func TestMiddleware_PanicsOnBadConfig(t *testing.T) {
	guard := setupTestGuard(t, nil)

	tests := []struct {
		name   string
		config Config
	}{
		{"no guard", Config{Resource: billing.ResourceDiscord, GetUserID: FromHeader("X"), GetCurrentCount: FixedCount(0)}},
		{"bad resource", Config{Guard: guard, Resource: "slack", GetUserID: FromHeader("X"), GetCurrentCount: FixedCount(0)}},
		{"no extractors", Config{Guard: guard, Resource: billing.ResourceDiscord}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			Middleware(tt.config)
		})
	}
}

func TestHandlerFunc(t *testing.T) {
	guard := setupTestGuard(t, map[string]billing.Plan{"user1": billing.PlanPro})

	wrap := HandlerFunc(Config{
		Guard:           guard,
		Resource:        billing.ResourceTelegram,
		GetUserID:       FromHeader("X-User-ID"),
		GetCurrentCount: FixedCount(0),
	})
	handler := wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/telegram/connect", nil)
	req.Header.Set("X-User-ID", "user1")
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
}
