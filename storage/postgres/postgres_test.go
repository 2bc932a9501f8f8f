package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/storagetest"
)

// getTestConnectionString returns the DSN from POSTGRES_TEST_DSN.
// Integration tests are skipped when it is unset.
func getTestConnectionString(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	return dsn
}

// setupTestStorage creates a migrated, empty storage instance
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	config := DefaultConfig()
	config.ConnectionString = getTestConnectionString(t)
	config.AutoMigrate = true
	config.CleanupEnabled = false

	storage, err := New(ctx, config)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(storage.Close)

	_, err = storage.pool.Exec(ctx,
		"TRUNCATE TABLE billing_users, billing_subscriptions, billing_processed_events")
	require.NoError(t, err)
	return storage
}

func TestStorage_Suite(t *testing.T) {
	getTestConnectionString(t)
	storagetest.Run(t, func(t *testing.T) billing.Storage { return setupTestStorage(t) })
}

func TestStorage_CleanupRemovesOldEvents(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_processed_events (key, processed_at) VALUES ('stripe:evt_old', now() - interval '90 days')`)
	require.NoError(t, err)
	require.NoError(t, s.MarkEventProcessed(ctx, "stripe:evt_new"))

	require.NoError(t, s.Cleanup(ctx))

	seen, err := s.IsEventProcessed(ctx, "stripe:evt_old")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = s.IsEventProcessed(ctx, "stripe:evt_new")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.Error(t, err)
}

func TestListWhere(t *testing.T) {
	tests := []struct {
		name      string
		filter    billing.SubscriptionFilter
		wantWhere string
		wantArgs  []any
	}{
		{"empty", billing.SubscriptionFilter{}, "", nil},
		{"provider", billing.SubscriptionFilter{Provider: billing.ProviderStripe}, " WHERE provider = $1", []any{"stripe"}},
		{
			"status and plan",
			billing.SubscriptionFilter{Status: billing.StatusActive, Plan: billing.PlanAgency},
			" WHERE status = $1 AND plan = $2",
			[]any{"active", "agency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := listWhere(tt.filter)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/billing?sslmode=disable",
		migrationURL("postgres://u:p@db:5432/billing?sslmode=disable"))
	assert.Equal(t, "pgx5://db/billing", migrationURL("postgresql://db/billing"))
	assert.Equal(t, "pgx5://db/billing", migrationURL("pgx5://db/billing"))
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
