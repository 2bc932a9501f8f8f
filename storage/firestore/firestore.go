// Package firestore provides a Firestore implementation of the billing.Storage interface.
// Read-modify-write operations run in Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	subscriptionsCollection string
	eventsCollection        string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection holds one document per user, keyed by user id
	// Default: "billing_users"
	UsersCollection string

	// SubscriptionsCollection holds one document per user, keyed by user id
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection records processed webhook deliveries
	// Default: "billing_processed_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "billing_users"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
		now:                     time.Now,
	}, nil
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, id string) (*billing.User, error) {
	if id == "" {
		return nil, billing.ErrUserNotFound
	}
	snap, err := s.userDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrUserNotFound
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	snaps, err := s.client.Collection(s.usersCollection).
		Where("emailNormalized", "==", billing.NormalizeEmail(email)).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	if len(snaps) == 0 {
		return nil, billing.ErrUserNotFound
	}
	return userFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

// PutUser implements billing.UserStore
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	doc := s.userDoc(user.ID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.clock()
		created := user.CreatedAt
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get user: %w", err)
		}
		if snap != nil && snap.Exists() {
			created = getTime(snap.Data(), "createdAt")
		}
		if created.IsZero() {
			created = now
		}

		plan := user.Plan
		if plan == "" {
			plan = billing.PlanFree
		}
		return tx.Set(doc, map[string]interface{}{
			"email":           user.Email,
			"emailNormalized": billing.NormalizeEmail(user.Email),
			"plan":            string(plan),
			"isSubscribed":    user.IsSubscribed,
			"subscriptionId":  user.SubscriptionID,
			"createdAt":       created,
			"updatedAt":       now,
		})
	})
}

// UpdateUserBilling implements billing.UserStore
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	var before *billing.User
	doc := s.userDoc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrUserNotFound
			}
			return err
		}
		before = userFromData(userID, snap.Data())

		updates := []firestore.Update{{Path: "updatedAt", Value: s.clock()}}
		if update.Plan != nil {
			updates = append(updates, firestore.Update{Path: "plan", Value: string(*update.Plan)})
		}
		if update.IsSubscribed != nil {
			updates = append(updates, firestore.Update{Path: "isSubscribed", Value: *update.IsSubscribed})
		}
		if update.SubscriptionID != nil {
			updates = append(updates, firestore.Update{Path: "subscriptionId", Value: *update.SubscriptionID})
		}
		return tx.Update(doc, updates)
	})
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update user billing: %w", err)
	}
	return before, nil
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, error) {
	if sub == nil || sub.UserID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	var merged billing.Subscription
	doc := s.subscriptionDoc(sub.UserID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var existing *billing.Subscription
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			existing = subscriptionFromData(sub.UserID, snap.Data())
		}

		merged = billing.MergeSubscription(existing, *sub, s.clock())
		return tx.Set(doc, subscriptionData(merged))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return &merged, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	if userID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	snap, err := s.subscriptionDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromData(userID, snap.Data()), nil
}

// CancelSubscription implements billing.SubscriptionStore
func (s *Storage) CancelSubscription(ctx context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	var out *billing.Subscription
	doc := s.subscriptionDoc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrSubscriptionNotFound
			}
			return err
		}
		sub := subscriptionFromData(userID, snap.Data())
		if sub.ProviderSubscriptionID != providerSubscriptionID {
			return billing.ErrSubscriptionNotFound
		}

		end := endDate.UTC()
		sub.Status = billing.StatusCanceled
		sub.EndDate = &end
		sub.UpdatedAt = s.clock()
		out = sub
		return tx.Set(doc, subscriptionData(*sub))
	})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return out, nil
}

// ListSubscriptions implements billing.SubscriptionStore.
// Equality filters run in Firestore; ordering and paging are applied to the
// matched documents so no composite index is required.
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	filter = filter.Normalize()

	query := s.client.Collection(s.subscriptionsCollection).Query
	if filter.Provider != "" {
		query = query.Where("provider", "==", string(filter.Provider))
	}
	if filter.Status != "" {
		query = query.Where("status", "==", string(filter.Status))
	}
	if filter.Plan != "" {
		query = query.Where("plan", "==", string(filter.Plan))
	}

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	matched := make([]billing.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		matched = append(matched, *subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UserID < matched[j].UserID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

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
	snap, err := s.eventDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return snap.Exists(), nil
}

// MarkEventProcessed implements billing.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, key string) error {
	_, err := s.eventDoc(key).Create(ctx, map[string]interface{}{
		"key":         key,
		"processedAt": s.clock(),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

func (s *Storage) clock() time.Time {
	// Firestore timestamps keep microseconds.
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Storage) userDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(id)
}

func (s *Storage) subscriptionDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(userID)
}

func (s *Storage) eventDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventDocID(key))
}

// eventDocID makes a delivery key usable as a document id.
func eventDocID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func userFromData(id string, data map[string]interface{}) *billing.User {
	return &billing.User{
		ID:             id,
		Email:          getString(data, "email"),
		Plan:           billing.Plan(getString(data, "plan")),
		IsSubscribed:   getBool(data, "isSubscribed"),
		SubscriptionID: getString(data, "subscriptionId"),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
}

func subscriptionData(sub billing.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"provider":               string(sub.Provider),
		"providerSubscriptionId": sub.ProviderSubscriptionID,
		"plan":                   string(sub.Plan),
		"status":                 string(sub.Status),
		"startDate":              sub.StartDate,
		"raw":                    string(sub.Raw),
		"createdAt":              sub.CreatedAt,
		"updatedAt":              sub.UpdatedAt,
	}
	if sub.EndDate != nil {
		data["endDate"] = *sub.EndDate
	}
	return data
}

func subscriptionFromData(userID string, data map[string]interface{}) *billing.Subscription {
	sub := &billing.Subscription{
		UserID:                 userID,
		Provider:               billing.ProviderName(getString(data, "provider")),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		Plan:                   billing.Plan(getString(data, "plan")),
		Status:                 billing.SubscriptionStatus(getString(data, "status")),
		StartDate:              getTime(data, "startDate"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if raw := getString(data, "raw"); raw != "" {
		sub.Raw = []byte(raw)
	}
	if end := getTime(data, "endDate"); !end.IsZero() {
		sub.EndDate = &end
	}
	return sub
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
