package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/storagetest"
)

// setupTestRedis starts an in-process Redis server for the test.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestStorage(t *testing.T, config Config) (*miniredis.Miniredis, *Storage) {
	t.Helper()

	mr, client := setupTestRedis(t)
	s, err := New(client, config)
	require.NoError(t, err)
	return mr, s
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "gobilling:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:", EventTTL: time.Hour},
			wantPrefix: "test:",
		},
		{
			name:       "empty config uses defaults",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "gobilling:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if storage.config.KeyPrefix != tt.wantPrefix {
				t.Errorf("KeyPrefix = %q, want %q", storage.config.KeyPrefix, tt.wantPrefix)
			}
			if storage.config.EventTTL <= 0 {
				t.Error("EventTTL should be positive")
			}
		})
	}
}

func TestStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) billing.Storage {
		_, s := newTestStorage(t, DefaultConfig())
		return s
	})
}

func TestStorage_KeyLayout(t *testing.T) {
	mr, s := newTestStorage(t, Config{KeyPrefix: "app:"})
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "Ada@Example.com"}))
	_, err := s.UpsertSubscription(ctx, &billing.Subscription{
		UserID:                 "u1",
		Provider:               billing.ProviderStripe,
		ProviderSubscriptionID: "sub_1",
		Plan:                   billing.PlanPro,
		Status:                 billing.StatusActive,
		StartDate:              time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("app:user:u1"))
	assert.True(t, mr.Exists("app:sub:u1"))
	assert.True(t, mr.Exists("app:subs"))

	id, err := mr.Get("app:email:ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
	assert.Equal(t, "pro", mr.HGet("app:sub:u1", "plan"))
}

func TestStorage_EventMarkersExpire(t *testing.T) {
	mr, s := newTestStorage(t, Config{EventTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.MarkEventProcessed(ctx, "paystack:charge.success:ref_1"))
	seen, err := s.IsEventProcessed(ctx, "paystack:charge.success:ref_1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Hour)

	seen, err = s.IsEventProcessed(ctx, "paystack:charge.success:ref_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStorage_PutUserKeepsCreatedAt(t *testing.T) {
	_, s := newTestStorage(t, DefaultConfig())
	ctx := context.Background()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "old@example.com", CreatedAt: created}))
	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "new@example.com"}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.CreatedAt.Equal(created))

	_, err = s.FindUserByEmail(ctx, "old@example.com")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestStorage_ConnectionFailure(t *testing.T) {
	mr, s := newTestStorage(t, DefaultConfig())
	mr.Close()

	_, err := s.GetUser(context.Background(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrUserNotFound)
	assert.Error(t, s.Ping(context.Background()))
}

// scriptKeys records how many keys each EVAL/EVALSHA declares.
type scriptKeys struct {
	mu      sync.Mutex
	numKeys []string
}

func (h *scriptKeys) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptKeys) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "eval" || name == "evalsha" {
			if args := cmd.Args(); len(args) > 2 {
				h.mu.Lock()
				h.numKeys = append(h.numKeys, fmt.Sprint(args[2]))
				h.mu.Unlock()
			}
		}
		return next(ctx, cmd)
	}
}

func (h *scriptKeys) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// Redis Cluster rejects scripts whose keys hash to different slots, so every
// script must declare a single key.
func TestStorage_ScriptsDeclareOneKey(t *testing.T) {
	_, client := setupTestRedis(t)
	hook := &scriptKeys{}
	client.AddHook(hook)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "old@example.com"}))
	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "new@example.com"}))
	plan := billing.PlanPro
	_, err = s.UpdateUserBilling(ctx, "u1", billing.BillingUpdate{Plan: &plan})
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, &billing.Subscription{
		UserID:                 "u1",
		Provider:               billing.ProviderStripe,
		ProviderSubscriptionID: "sub_1",
		Plan:                   billing.PlanPro,
		Status:                 billing.StatusActive,
		StartDate:              time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = s.CancelSubscription(ctx, "u1", "sub_1", time.Now())
	require.NoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.NotEmpty(t, hook.numKeys)
	for i, n := range hook.numKeys {
		assert.Equal(t, "1", n, "script call %d", i)
	}

	subs, total, err := s.ListSubscriptions(ctx, billing.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, billing.StatusCanceled, subs[0].Status)
}

func TestStorage_EmailIndexFollowsUser(t *testing.T) {
	mr, s := newTestStorage(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "shared@example.com"}))
	// u2 takes over the address, then u1 moves to a new one.
	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u2", Email: "shared@example.com"}))
	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1", Email: "Fresh@Example.com"}))

	u, err := s.FindUserByEmail(ctx, "shared@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	u, err = s.FindUserByEmail(ctx, "fresh@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	require.NoError(t, s.PutUser(ctx, &billing.User{ID: "u1"}))
	assert.False(t, mr.Exists("gobilling:email:fresh@example.com"))
}
