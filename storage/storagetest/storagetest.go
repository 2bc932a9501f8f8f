// Package storagetest holds the behaviour every billing.Storage backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) billing.Storage

// Run executes the shared storage suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UserRoundTrip", func(t *testing.T) { testUserRoundTrip(t, newStore(t)) })
	t.Run("FindUserByEmailIsCaseInsensitive", func(t *testing.T) { testFindByEmail(t, newStore(t)) })
	t.Run("UpdateUserBillingPartial", func(t *testing.T) { testUpdateUserBilling(t, newStore(t)) })
	t.Run("UpdateUserBillingMissingUser", func(t *testing.T) { testUpdateMissingUser(t, newStore(t)) })
	t.Run("UpsertSubscriptionIsKeyedByUser", func(t *testing.T) { testUpsertKeyedByUser(t, newStore(t)) })
	t.Run("UpsertSubscriptionKeepsStartDateOnRedelivery", func(t *testing.T) { testUpsertRedelivery(t, newStore(t)) })
	t.Run("ConcurrentUpsertsLeaveOneRecord", func(t *testing.T) { testConcurrentUpserts(t, newStore(t)) })
	t.Run("CancelSubscription", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("ListSubscriptions", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, newStore(t)) })
}

func seedUser(t *testing.T, s billing.Storage, id, email string) {
	t.Helper()
	require.NoError(t, s.PutUser(context.Background(), &billing.User{ID: id, Email: email, Plan: billing.PlanFree}))
}

func activeSub(userID, ref string, plan billing.Plan, start time.Time) *billing.Subscription {
	return &billing.Subscription{
		UserID:                 userID,
		Provider:               billing.ProviderStripe,
		ProviderSubscriptionID: ref,
		Plan:                   plan,
		Status:                 billing.StatusActive,
		StartDate:              start,
		Raw:                    json.RawMessage(`{"id":"` + ref + `"}`),
	}
}

func testUserRoundTrip(t *testing.T, s billing.Storage) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "missing")
	assert.True(t, errors.Is(err, billing.ErrUserNotFound), "got %v", err)

	seedUser(t, s, "u1", "one@example.com")
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "one@example.com", u.Email)
	assert.Equal(t, billing.PlanFree, u.Plan)
	assert.False(t, u.IsSubscribed)
}

func testFindByEmail(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	seedUser(t, s, "u1", "Mixed.Case@Example.com")

	u, err := s.FindUserByEmail(ctx, "mixed.case@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	assert.True(t, errors.Is(err, billing.ErrUserNotFound), "got %v", err)
}

func testUpdateUserBilling(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	seedUser(t, s, "u1", "one@example.com")

	plan, subscribed, ref := billing.PlanAgency, true, "sub_1"
	before, err := s.UpdateUserBilling(ctx, "u1", billing.BillingUpdate{
		Plan: &plan, IsSubscribed: &subscribed, SubscriptionID: &ref,
	})
	require.NoError(t, err)
	assert.Equal(t, billing.PlanFree, before.Plan)
	assert.False(t, before.IsSubscribed)

	off := false
	before, err = s.UpdateUserBilling(ctx, "u1", billing.BillingUpdate{IsSubscribed: &off})
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAgency, before.Plan)
	assert.True(t, before.IsSubscribed)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAgency, u.Plan, "plan untouched by partial update")
	assert.Equal(t, "sub_1", u.SubscriptionID)
	assert.False(t, u.IsSubscribed)
}

func testUpdateMissingUser(t *testing.T, s billing.Storage) {
	on := true
	_, err := s.UpdateUserBilling(context.Background(), "ghost", billing.BillingUpdate{IsSubscribed: &on})
	assert.True(t, errors.Is(err, billing.ErrUserNotFound), "got %v", err)
}

func testUpsertKeyedByUser(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	_, err := s.GetSubscription(ctx, "u1")
	assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "got %v", err)

	first, err := s.UpsertSubscription(ctx, activeSub("u1", "sub_a", billing.PlanPro, start))
	require.NoError(t, err)
	assert.False(t, first.CreatedAt.IsZero())

	// Switching provider replaces the record instead of adding one.
	next := activeSub("u1", "ref_b", billing.PlanAgency, start.Add(time.Hour))
	next.Provider = billing.ProviderPaystack
	_, err = s.UpsertSubscription(ctx, next)
	require.NoError(t, err)

	got, err := s.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.ProviderPaystack, got.Provider)
	assert.Equal(t, "ref_b", got.ProviderSubscriptionID)
	assert.Equal(t, billing.PlanAgency, got.Plan)
	assert.True(t, got.StartDate.Equal(start.Add(time.Hour)), "start date moves on provider switch")
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "created at is preserved")
	assert.JSONEq(t, `{"id":"ref_b"}`, string(got.Raw))

	_, total, err := s.ListSubscriptions(ctx, billing.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func testUpsertRedelivery(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	_, err := s.UpsertSubscription(ctx, activeSub("u1", "sub_a", billing.PlanPro, start))
	require.NoError(t, err)
	_, err = s.UpsertSubscription(ctx, activeSub("u1", "sub_a", billing.PlanPro, start.Add(time.Minute)))
	require.NoError(t, err)

	got, err := s.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.StartDate.Equal(start), "got %s want %s", got.StartDate, start)
	assert.Equal(t, billing.StatusActive, got.Status)
}

func testConcurrentUpserts(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertSubscription(ctx, activeSub("u1", fmt.Sprintf("sub_%d", i%2), billing.PlanPro, start))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, total, err := s.ListSubscriptions(ctx, billing.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func testCancel(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(24 * time.Hour)

	_, err := s.CancelSubscription(ctx, "u1", "sub_a", end)
	assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "got %v", err)

	_, err = s.UpsertSubscription(ctx, activeSub("u1", "sub_a", billing.PlanPro, start))
	require.NoError(t, err)

	_, err = s.CancelSubscription(ctx, "u1", "sub_old", end)
	assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "stale reference must not cancel, got %v", err)

	canceled, err := s.CancelSubscription(ctx, "u1", "sub_a", end)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.EndDate)
	assert.True(t, canceled.EndDate.Equal(end))

	got, err := s.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, got.Status)
	assert.Equal(t, billing.PlanPro, got.Plan)
}

func testList(t *testing.T, s billing.Storage) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		sub := activeSub(fmt.Sprintf("u%d", i), fmt.Sprintf("sub_%d", i), billing.PlanPro, start)
		if i%2 == 1 {
			sub.Provider = billing.ProviderPaystack
			sub.Plan = billing.PlanAgency
		}
		_, err := s.UpsertSubscription(ctx, sub)
		require.NoError(t, err)
	}
	_, err := s.CancelSubscription(ctx, "u0", "sub_0", start)
	require.NoError(t, err)

	page, total, err := s.ListSubscriptions(ctx, billing.SubscriptionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	page, total, err = s.ListSubscriptions(ctx, billing.SubscriptionFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	page, total, err = s.ListSubscriptions(ctx, billing.SubscriptionFilter{Provider: billing.ProviderPaystack})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, sub := range page {
		assert.Equal(t, billing.ProviderPaystack, sub.Provider)
		assert.Equal(t, billing.PlanAgency, sub.Plan)
	}

	_, total, err = s.ListSubscriptions(ctx, billing.SubscriptionFilter{Status: billing.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	_, total, err = s.ListSubscriptions(ctx, billing.SubscriptionFilter{Status: billing.StatusActive, Plan: billing.PlanPro})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func testEventLog(t *testing.T, s billing.Storage) {
	ctx := context.Background()

	seen, err := s.IsEventProcessed(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkEventProcessed(ctx, "stripe:evt_1"))
	require.NoError(t, s.MarkEventProcessed(ctx, "stripe:evt_1"))

	seen, err = s.IsEventProcessed(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.IsEventProcessed(ctx, "paystack:evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
