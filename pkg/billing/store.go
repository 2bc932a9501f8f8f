package billing

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// User is the billing view of an application user.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Plan           Plan      `json:"plan"`
	IsSubscribed   bool      `json:"isSubscribed"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending  SubscriptionStatus = "pending"
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// Subscription is the single subscription record of a user.
type Subscription struct {
	UserID                 string             `json:"userId"`
	Provider               ProviderName       `json:"provider"`
	ProviderSubscriptionID string             `json:"providerSubscriptionId,omitempty"`
	Plan                   Plan               `json:"plan"`
	Status                 SubscriptionStatus `json:"status"`
	StartDate              time.Time          `json:"startDate"`
	EndDate                *time.Time         `json:"endDate,omitempty"`
	Raw                    json.RawMessage    `json:"raw,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

// BillingUpdate is a partial update of the billing fields of a user. Nil
// fields are left untouched.
type BillingUpdate struct {
	Plan           *Plan
	IsSubscribed   *bool
	SubscriptionID *string
}

// ApplyTo mutates u with the non-nil fields of the update.
func (b BillingUpdate) ApplyTo(u *User) {
	if b.Plan != nil {
		u.Plan = *b.Plan
	}
	if b.IsSubscribed != nil {
		u.IsSubscribed = *b.IsSubscribed
	}
	if b.SubscriptionID != nil {
		u.SubscriptionID = *b.SubscriptionID
	}
}

// SubscriptionFilter narrows ListSubscriptions. Zero values match everything.
type SubscriptionFilter struct {
	Provider ProviderName
	Status   SubscriptionStatus
	Plan     Plan

	// Limit caps the page size; 0 means DefaultPageSize.
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging values.
func (f SubscriptionFilter) Normalize() SubscriptionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether s passes the filter's field constraints.
func (f SubscriptionFilter) Matches(s *Subscription) bool {
	if f.Provider != "" && s.Provider != f.Provider {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Plan != "" && s.Plan != f.Plan {
		return false
	}
	return true
}

// UserStore is the user collection as seen by billing.
type UserStore interface {
	// GetUser returns ErrUserNotFound when id is unknown.
	GetUser(ctx context.Context, id string) (*User, error)

	// FindUserByEmail matches case-insensitively and returns ErrUserNotFound on miss.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// PutUser creates or replaces a user.
	PutUser(ctx context.Context, user *User) error

	// UpdateUserBilling atomically applies update to the user with the given id
	// and returns the user as it was before the update.
	UpdateUserBilling(ctx context.Context, userID string, update BillingUpdate) (*User, error)
}

// SubscriptionStore is the subscription collection.
type SubscriptionStore interface {
	// UpsertSubscription atomically inserts or replaces the subscription keyed by
	// sub.UserID, preserving CreatedAt of an existing record.
	UpsertSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// GetSubscription returns ErrSubscriptionNotFound when the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// CancelSubscription sets status canceled and EndDate when the user's
	// subscription has the given provider reference. Returns
	// ErrSubscriptionNotFound when nothing matches.
	CancelSubscription(ctx context.Context, userID, providerSubscriptionID string, endDate time.Time) (*Subscription, error)

	// ListSubscriptions returns one page ordered by UpdatedAt descending and the
	// total number of matches.
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]Subscription, int, error)
}

// EventLog remembers which webhook deliveries were fully reconciled.
type EventLog interface {
	IsEventProcessed(ctx context.Context, key string) (bool, error)
	MarkEventProcessed(ctx context.Context, key string) error
}

// Storage is implemented by every backend under storage/.
type Storage interface {
	UserStore
	SubscriptionStore
	EventLog
}

// NormalizeEmail is the canonical form used for email lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MergeSubscription returns the record an upsert of incoming over existing
// must store. CreatedAt is kept from existing; StartDate is kept when the
// same provider subscription is re-activated, so redeliveries do not move it.
func MergeSubscription(existing *Subscription, incoming Subscription, now time.Time) Subscription {
	incoming.UpdatedAt = now
	if existing == nil {
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = now
		}
		return incoming
	}
	incoming.CreatedAt = existing.CreatedAt
	if existing.Status == StatusActive && incoming.Status == StatusActive &&
		existing.Provider == incoming.Provider &&
		existing.ProviderSubscriptionID != "" &&
		existing.ProviderSubscriptionID == incoming.ProviderSubscriptionID {
		incoming.StartDate = existing.StartDate
	}
	return incoming
}
