// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Subscription upserts are single INSERT ... ON CONFLICT statements; partial
// user updates run in a transaction with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger billing.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations in New.
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventTTL        time.Duration // How long processed delivery keys are kept

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const userColumns = `id, email, plan, is_subscribed, subscription_id, created_at, updated_at`

const subscriptionColumns = `user_id, provider, provider_subscription_id, plan, status,
	start_date, end_date, raw, created_at, updated_at`

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, id string) (*billing.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM billing_users WHERE id = $1`, id)
	return scanUser(row)
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM billing_users
			WHERE email_normalized = $1 ORDER BY created_at LIMIT 1`,
		billing.NormalizeEmail(email))
	return scanUser(row)
}

// PutUser implements billing.UserStore
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	plan := user.Plan
	if plan == "" {
		plan = billing.PlanFree
	}
	now := time.Now().UTC()
	created := user.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_users
			(id, email, email_normalized, plan, is_subscribed, subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			email_normalized = EXCLUDED.email_normalized,
			plan = EXCLUDED.plan,
			is_subscribed = EXCLUDED.is_subscribed,
			subscription_id = EXCLUDED.subscription_id,
			updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, billing.NormalizeEmail(user.Email), string(plan),
		user.IsSubscribed, user.SubscriptionID, created, now)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// UpdateUserBilling implements billing.UserStore
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM billing_users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}

	after := *before
	update.ApplyTo(&after)

	_, err = tx.Exec(ctx,
		`UPDATE billing_users
			SET plan = $2, is_subscribed = $3, subscription_id = $4, updated_at = $5
			WHERE id = $1`,
		userID, string(after.Plan), after.IsSubscribed, after.SubscriptionID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to update user billing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return before, nil
}

// UpsertSubscription implements billing.SubscriptionStore.
// The start date is kept when the same provider subscription is re-activated.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, error) {
	if sub == nil || sub.UserID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO billing_subscriptions AS s (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			start_date = CASE
				WHEN s.status = 'active' AND EXCLUDED.status = 'active'
					AND s.provider = EXCLUDED.provider
					AND s.provider_subscription_id <> ''
					AND s.provider_subscription_id = EXCLUDED.provider_subscription_id
				THEN s.start_date
				ELSE EXCLUDED.start_date
			END,
			end_date = EXCLUDED.end_date,
			raw = EXCLUDED.raw,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriptionColumns,
		sub.UserID, string(sub.Provider), sub.ProviderSubscriptionID, string(sub.Plan), string(sub.Status),
		nullTime(sub.StartDate), sub.EndDate, nullJSON(sub.Raw), now)

	out, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return out, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

// CancelSubscription implements billing.SubscriptionStore
func (s *Storage) CancelSubscription(ctx context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE billing_subscriptions
			SET status = $3, end_date = $4, updated_at = $5
			WHERE user_id = $1 AND provider_subscription_id = $2
		RETURNING `+subscriptionColumns,
		userID, providerSubscriptionID, string(billing.StatusCanceled), endDate.UTC(), time.Now().UTC())
	return scanSubscription(row)
}

// ListSubscriptions implements billing.SubscriptionStore
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	filter = filter.Normalize()
	where, args := listWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billing_subscriptions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM billing_subscriptions%s
			ORDER BY updated_at DESC, user_id LIMIT $%d OFFSET $%d`,
			subscriptionColumns, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]billing.Subscription, 0, filter.Limit)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return out, total, nil
}

// listWhere builds the WHERE clause for the non-empty filter fields.
func listWhere(filter billing.SubscriptionFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("provider", string(filter.Provider))
	add("status", string(filter.Status))
	add("plan", string(filter.Plan))

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// IsEventProcessed implements billing.EventLog
func (s *Storage) IsEventProcessed(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_processed_events WHERE key = $1)`, key).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return seen, nil
}

// MarkEventProcessed implements billing.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_processed_events (key, processed_at) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of old delivery keys
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("processed event cleanup failed", billing.Err(err))
			}
		}
	}
}

// Cleanup deletes processed delivery keys older than EventTTL.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	_, err := s.pool.Exec(ctx, `DELETE FROM billing_processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (*billing.User, error) {
	var u billing.User
	var plan string
	err := row.Scan(&u.ID, &u.Email, &plan, &u.IsSubscribed, &u.SubscriptionID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Plan = billing.Plan(plan)
	return &u, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var provider, plan, status string
	var start *time.Time
	err := row.Scan(&sub.UserID, &provider, &sub.ProviderSubscriptionID, &plan, &status,
		&start, &sub.EndDate, &sub.Raw, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Provider = billing.ProviderName(provider)
	sub.Plan = billing.Plan(plan)
	sub.Status = billing.SubscriptionStatus(status)
	if start != nil {
		sub.StartDate = *start
	}
	return &sub, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
