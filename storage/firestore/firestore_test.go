package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns collection names unique to one test run
func testConfig(t *testing.T) Config {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	return Config{
		UsersCollection:         "test_users_" + suffix,
		SubscriptionsCollection: "test_subs_" + suffix,
		EventsCollection:        "test_events_" + suffix,
	}
}

func TestStorage_Suite(t *testing.T) {
	client := setupFirestoreClient(t)
	storagetest.Run(t, func(t *testing.T) billing.Storage {
		s, err := New(client, testConfig(t))
		require.NoError(t, err)
		return s
	})
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestEventDocID(t *testing.T) {
	assert.Equal(t, "stripe:evt_1", eventDocID("stripe:evt_1"))
	assert.Equal(t, "paystack:charge.success:a_b", eventDocID("paystack:charge.success:a/b"))
}

func TestSubscriptionDataRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)
	sub := billing.Subscription{
		UserID:                 "u1",
		Provider:               billing.ProviderStripe,
		ProviderSubscriptionID: "sub_1",
		Plan:                   billing.PlanPro,
		Status:                 billing.StatusCanceled,
		StartDate:              start,
		EndDate:                &end,
		Raw:                    []byte(`{"id":"sub_1"}`),
		CreatedAt:              start,
		UpdatedAt:              end,
	}

	got := subscriptionFromData("u1", subscriptionData(sub))
	assert.Equal(t, sub, *got)

	noEnd := sub
	noEnd.EndDate = nil
	noEnd.Raw = nil
	got = subscriptionFromData("u1", subscriptionData(noEnd))
	assert.Nil(t, got.EndDate)
	assert.Nil(t, got.Raw)
}

func TestUserFromData(t *testing.T) {
	u := userFromData("u1", map[string]interface{}{
		"email":        "a@example.com",
		"plan":         "agency",
		"isSubscribed": true,
		"createdAt":    "not a time",
	})
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, billing.PlanAgency, u.Plan)
	assert.True(t, u.IsSubscribed)
	assert.True(t, u.CreatedAt.IsZero())
}
