// Package redis provides a Redis implementation of the billing.Storage interface.
// Read-modify-write operations run as Lua scripts so concurrent webhook
// deliveries for the same user cannot interleave. Every script touches exactly
// one key, so the store also works on Redis Cluster; the email index and the
// listing index are maintained with single-key commands after the script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage using Redis hashes.
//
// Layout (with the default prefix):
//
//	gobilling:user:<id>            hash of user fields
//	gobilling:email:<email>        user id, email lowercased
//	gobilling:sub:<userId>         hash of subscription fields
//	gobilling:subs                 sorted set of user ids scored by updatedAt (ms)
//	gobilling:event:<deliveryKey>  processed delivery marker
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// EventTTL is how long processed delivery markers are kept.
	// Providers stop retrying after a few days (default: 30 days, 0 = default).
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.EventTTL <= 0 {
		config.EventTTL = defaults.EventTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS: user. ARGV: createdAt, then field pairs.
	// Returns {createdAt, previous email index}.
	s.scripts["putUser"] = redis.NewScript(`
		local key = KEYS[1]
		local created = ARGV[1]

		local old = redis.call('HMGET', key, 'emailKey', 'createdAt')
		if old[2] then
			created = old[2]
		end

		redis.call('DEL', key)
		redis.call('HSET', key, 'createdAt', created)
		for i = 2, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i + 1])
		end
		return {created, old[1] or ''}
	`)

	// KEYS: email index. ARGV: user id. Deletes the entry only if it still
	// points at the user.
	s.scripts["releaseEmail"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// Returns the user hash as it was before the update, or nil.
	s.scripts["updateUser"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return false
		end
		local before = redis.call('HGETALL', key)
		for i = 1, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i + 1])
		end
		return before
	`)

	// KEYS: subscription. ARGV: userId, provider, ref, plan, status,
	// startDate, endDate, raw, now. Returns {startDate, createdAt}.
	s.scripts["upsertSub"] = redis.NewScript(`
		local key = KEYS[1]
		local start = ARGV[6]
		local created = ARGV[9]

		local old = redis.call('HMGET', key, 'provider', 'ref', 'status', 'startDate', 'createdAt')
		if old[5] then
			created = old[5]
		end
		if old[3] == 'active' and ARGV[5] == 'active' and old[1] == ARGV[2]
			and old[2] and old[2] ~= '' and old[2] == ARGV[3] then
			start = old[4]
		end

		redis.call('DEL', key)
		redis.call('HSET', key,
			'userId', ARGV[1], 'provider', ARGV[2], 'ref', ARGV[3], 'plan', ARGV[4],
			'status', ARGV[5], 'startDate', start, 'endDate', ARGV[7], 'raw', ARGV[8],
			'createdAt', created, 'updatedAt', ARGV[9])
		return {start, created}
	`)

	// KEYS: subscription. ARGV: ref, endDate, now.
	s.scripts["cancelSub"] = redis.NewScript(`
		local key = KEYS[1]
		local ref = redis.call('HGET', key, 'ref')
		if not ref or ref ~= ARGV[1] then
			return 0
		end
		redis.call('HSET', key, 'status', 'canceled', 'endDate', ARGV[2], 'updatedAt', ARGV[3])
		return 1
	`)
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, id string) (*billing.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, billing.ErrUserNotFound
	}
	return userFromHash(fields)
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	id, err := s.client.Get(ctx, s.emailKey(billing.NormalizeEmail(email))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return s.GetUser(ctx, id)
}

// PutUser implements billing.UserStore
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	now := s.now().UTC()
	created := user.CreatedAt
	if created.IsZero() {
		created = now
	}
	plan := user.Plan
	if plan == "" {
		plan = billing.PlanFree
	}

	emailIndex := billing.NormalizeEmail(user.Email)
	args := []interface{}{
		formatTime(created),
		"id", user.ID,
		"email", user.Email,
		"emailKey", emailIndex,
		"plan", string(plan),
		"isSubscribed", formatBool(user.IsSubscribed),
		"subscriptionId", user.SubscriptionID,
		"updatedAt", formatTime(now),
	}
	res, err := s.scripts["putUser"].Run(ctx, s.client, []string{s.userKey(user.ID)}, args...).StringSlice()
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected put user result: %v", res)
	}

	if prev := res[1]; prev != "" && prev != emailIndex {
		err := s.scripts["releaseEmail"].Run(ctx, s.client, []string{s.emailKey(prev)}, user.ID).Err()
		if err != nil {
			return fmt.Errorf("failed to release email index: %w", err)
		}
	}
	if emailIndex != "" {
		if err := s.client.Set(ctx, s.emailKey(emailIndex), user.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index email: %w", err)
		}
	}
	return nil
}

// UpdateUserBilling implements billing.UserStore
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	args := []interface{}{"updatedAt", formatTime(s.now().UTC())}
	if update.Plan != nil {
		args = append(args, "plan", string(*update.Plan))
	}
	if update.IsSubscribed != nil {
		args = append(args, "isSubscribed", formatBool(*update.IsSubscribed))
	}
	if update.SubscriptionID != nil {
		args = append(args, "subscriptionId", *update.SubscriptionID)
	}

	res, err := s.scripts["updateUser"].Run(ctx, s.client, []string{s.userKey(userID)}, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user billing: %w", err)
	}

	fields, err := pairsToMap(res)
	if err != nil {
		return nil, err
	}
	return userFromHash(fields)
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, error) {
	if sub == nil || sub.UserID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	now := s.now().UTC()
	endDate := ""
	if sub.EndDate != nil {
		endDate = formatTime(*sub.EndDate)
	}

	res, err := s.scripts["upsertSub"].Run(ctx, s.client,
		[]string{s.subKey(sub.UserID)},
		sub.UserID,
		string(sub.Provider),
		sub.ProviderSubscriptionID,
		string(sub.Plan),
		string(sub.Status),
		formatTime(sub.StartDate),
		endDate,
		string(sub.Raw),
		formatTime(now),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected upsert result: %v", res)
	}
	if err := s.touchIndex(ctx, sub.UserID, now); err != nil {
		return nil, err
	}

	out := *sub
	if out.StartDate, err = parseTime(res[0]); err != nil {
		return nil, err
	}
	if out.CreatedAt, err = parseTime(res[1]); err != nil {
		return nil, err
	}
	out.UpdatedAt = now
	return &out, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, s.subKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromHash(fields)
}

// CancelSubscription implements billing.SubscriptionStore
func (s *Storage) CancelSubscription(ctx context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	now := s.now().UTC()
	n, err := s.scripts["cancelSub"].Run(ctx, s.client,
		[]string{s.subKey(userID)},
		providerSubscriptionID, formatTime(endDate.UTC()), formatTime(now),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if n == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err := s.touchIndex(ctx, userID, now); err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, userID)
}

// touchIndex orders userID in the listing index by its latest update.
func (s *Storage) touchIndex(ctx context.Context, userID string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(at.UnixMilli()), Member: userID}).Err()
	if err != nil {
		return fmt.Errorf("failed to index subscription: %w", err)
	}
	return nil
}

// ListSubscriptions implements billing.SubscriptionStore.
// Field filters are applied client side after loading the index.
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	filter = filter.Normalize()

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.subKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, 0, fmt.Errorf("failed to load subscriptions: %w", err)
		}
	}

	matched := make([]billing.Subscription, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		sub, err := subscriptionFromHash(fields)
		if err != nil {
			return nil, 0, err
		}
		if filter.Matches(sub) {
			matched = append(matched, *sub)
		}
	}

	total := len(matched)
	if filter.Offset >= total {
		return []billing.Subscription{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

// IsEventProcessed implements billing.EventLog
func (s *Storage) IsEventProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// MarkEventProcessed implements billing.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, key string) error {
	err := s.client.SetNX(ctx, s.eventKey(key), formatTime(s.now().UTC()), s.config.EventTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(id string) string {
	return s.config.KeyPrefix + "user:" + id
}

func (s *Storage) emailKey(normalized string) string {
	return s.config.KeyPrefix + "email:" + normalized
}

func (s *Storage) subKey(userID string) string {
	return s.config.KeyPrefix + "sub:" + userID
}

func (s *Storage) indexKey() string {
	return s.config.KeyPrefix + "subs"
}

func (s *Storage) eventKey(key string) string {
	return s.config.KeyPrefix + "event:" + key
}

func userFromHash(m map[string]string) (*billing.User, error) {
	u := &billing.User{
		ID:             m["id"],
		Email:          m["email"],
		Plan:           billing.Plan(m["plan"]),
		IsSubscribed:   m["isSubscribed"] == "1",
		SubscriptionID: m["subscriptionId"],
	}
	var err error
	if u.CreatedAt, err = parseTime(m["createdAt"]); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(m["updatedAt"]); err != nil {
		return nil, err
	}
	return u, nil
}

func subscriptionFromHash(m map[string]string) (*billing.Subscription, error) {
	sub := &billing.Subscription{
		UserID:                 m["userId"],
		Provider:               billing.ProviderName(m["provider"]),
		ProviderSubscriptionID: m["ref"],
		Plan:                   billing.Plan(m["plan"]),
		Status:                 billing.SubscriptionStatus(m["status"]),
	}
	if raw := m["raw"]; raw != "" {
		sub.Raw = []byte(raw)
	}

	var err error
	if sub.StartDate, err = parseTime(m["startDate"]); err != nil {
		return nil, err
	}
	if sub.CreatedAt, err = parseTime(m["createdAt"]); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(m["updatedAt"]); err != nil {
		return nil, err
	}
	if v := m["endDate"]; v != "" {
		end, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		sub.EndDate = &end
	}
	return sub, nil
}

// pairsToMap converts a flat HGETALL reply returned from Lua.
func pairsToMap(res interface{}) (map[string]string, error) {
	items, ok := res.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}
	m := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		m[k] = v
	}
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", v, err)
	}
	return t, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
