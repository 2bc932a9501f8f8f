// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*billing.User
	emailIndex    map[string]string
	subscriptions map[string]*billing.Subscription
	events        map[string]time.Time

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*billing.User),
		emailIndex:    make(map[string]string),
		subscriptions: make(map[string]*billing.Subscription),
		events:        make(map[string]time.Time),
		now:           time.Now,
	}
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(_ context.Context, id string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[billing.NormalizeEmail(email)]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	userCopy := *s.users[id]
	return &userCopy, nil
}

// PutUser implements billing.UserStore
func (s *Storage) PutUser(_ context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	userCopy := *user
	if userCopy.Plan == "" {
		userCopy.Plan = billing.PlanFree
	}
	if old, ok := s.users[user.ID]; ok {
		delete(s.emailIndex, billing.NormalizeEmail(old.Email))
		userCopy.CreatedAt = old.CreatedAt
	} else if userCopy.CreatedAt.IsZero() {
		userCopy.CreatedAt = now
	}
	userCopy.UpdatedAt = now

	s.users[user.ID] = &userCopy
	if userCopy.Email != "" {
		s.emailIndex[billing.NormalizeEmail(userCopy.Email)] = user.ID
	}
	return nil
}

// UpdateUserBilling implements billing.UserStore
func (s *Storage) UpdateUserBilling(_ context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	before := *u
	update.ApplyTo(u)
	u.UpdatedAt = s.now().UTC()
	return &before, nil
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(_ context.Context, sub *billing.Subscription) (*billing.Subscription, error) {
	if sub == nil || sub.UserID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := billing.MergeSubscription(s.subscriptions[sub.UserID], copySubscription(*sub), s.now().UTC())
	s.subscriptions[sub.UserID] = &merged

	out := copySubscription(merged)
	return &out, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	out := copySubscription(*sub)
	return &out, nil
}

// CancelSubscription implements billing.SubscriptionStore
func (s *Storage) CancelSubscription(_ context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok || sub.ProviderSubscriptionID != providerSubscriptionID {
		return nil, billing.ErrSubscriptionNotFound
	}
	end := endDate.UTC()
	sub.Status = billing.StatusCanceled
	sub.EndDate = &end
	sub.UpdatedAt = s.now().UTC()

	out := copySubscription(*sub)
	return &out, nil
}

// ListSubscriptions implements billing.SubscriptionStore
func (s *Storage) ListSubscriptions(_ context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	matched := make([]billing.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if filter.Matches(sub) {
			matched = append(matched, copySubscription(*sub))
		}
	}
	s.mu.RUnlock()

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
func (s *Storage) IsEventProcessed(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[key]
	return ok, nil
}

// MarkEventProcessed implements billing.EventLog
func (s *Storage) MarkEventProcessed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[key]; !ok {
		s.events[key] = s.now().UTC()
	}
	return nil
}

// SubscriptionCount returns the number of stored subscriptions.
func (s *Storage) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

func copySubscription(sub billing.Subscription) billing.Subscription {
	if sub.EndDate != nil {
		end := *sub.EndDate
		sub.EndDate = &end
	}
	if sub.Raw != nil {
		sub.Raw = append(json.RawMessage(nil), sub.Raw...)
	}
	return sub
}
