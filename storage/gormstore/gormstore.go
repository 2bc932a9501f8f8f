// Package gormstore provides a GORM implementation of the billing.Storage
// interface. It works with any dialect GORM supports; Open wires the
// postgres, mysql and sqlite drivers.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

type userRow struct {
	ID              string    `gorm:"primaryKey;size:191"`
	Email           string    `gorm:"size:320;not null;default:''"`
	EmailNormalized string    `gorm:"size:320;index"`
	Plan            string    `gorm:"size:32;not null"`
	IsSubscribed    bool      `gorm:"not null;default:false"`
	SubscriptionID  string    `gorm:"size:191;not null;default:''"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (userRow) TableName() string { return "billing_users" }

type subscriptionRow struct {
	UserID                 string `gorm:"primaryKey;size:191"`
	Provider               string `gorm:"size:32;not null"`
	ProviderSubscriptionID string `gorm:"size:191;not null;default:''"`
	Plan                   string `gorm:"size:32;not null;index:idx_billing_subscriptions_status_plan,priority:2"`
	Status                 string `gorm:"size:32;not null;index:idx_billing_subscriptions_status_plan,priority:1"`
	StartDate              *time.Time
	EndDate                *time.Time
	Raw                    []byte
	CreatedAt              time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime:false;index"`
}

func (subscriptionRow) TableName() string { return "billing_subscriptions" }

type processedEventRow struct {
	DeliveryKey string    `gorm:"primaryKey;size:255"`
	ProcessedAt time.Time `gorm:"not null;index"`
}

func (processedEventRow) TableName() string { return "billing_processed_events" }

// Open connects to a database with one of the supported drivers:
// "postgres", "mysql" or "sqlite".
func Open(driver, dsn string, config *gorm.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// Storage implements billing.Storage on top of a *gorm.DB.
type Storage struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates the storage and migrates its tables.
func New(db *gorm.DB) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if err := db.AutoMigrate(&userRow{}, &subscriptionRow{}, &processedEventRow{}); err != nil {
		return nil, fmt.Errorf("migrate billing tables: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// clock returns the current time at the precision every supported dialect keeps.
func (s *Storage) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// forUpdate locks selected rows where the dialect supports it.
func (s *Storage) forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, id string) (*billing.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, userErr(err)
	}
	return row.toUser(), nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).
		Where("email_normalized = ?", billing.NormalizeEmail(email)).
		Order("created_at").
		First(&row).Error
	if err != nil {
		return nil, userErr(err)
	}
	return row.toUser(), nil
}

// PutUser implements billing.UserStore
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	now := s.clock()
	row := userRow{
		ID:              user.ID,
		Email:           user.Email,
		EmailNormalized: billing.NormalizeEmail(user.Email),
		Plan:            string(user.Plan),
		IsSubscribed:    user.IsSubscribed,
		SubscriptionID:  user.SubscriptionID,
		CreatedAt:       user.CreatedAt.UTC(),
		UpdatedAt:       now,
	}
	if row.Plan == "" {
		row.Plan = string(billing.PlanFree)
	}
	if user.CreatedAt.IsZero() {
		row.CreatedAt = now
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"email_normalized",
			"plan",
			"is_subscribed",
			"subscription_id",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// UpdateUserBilling implements billing.UserStore
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	var before *billing.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		if err := s.forUpdate(tx).Where("id = ?", userID).First(&row).Error; err != nil {
			return userErr(err)
		}
		before = row.toUser()

		after := *before
		update.ApplyTo(&after)
		return tx.Model(&userRow{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"plan":            string(after.Plan),
			"is_subscribed":   after.IsSubscribed,
			"subscription_id": after.SubscriptionID,
			"updated_at":      s.clock(),
		}).Error
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
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *billing.Subscription
		var row subscriptionRow
		err := s.forUpdate(tx).Where("user_id = ?", sub.UserID).First(&row).Error
		switch {
		case err == nil:
			existing = row.toSubscription()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		merged = billing.MergeSubscription(existing, *sub, s.clock())
		next := fromSubscription(merged)
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"provider",
				"provider_subscription_id",
				"plan",
				"status",
				"start_date",
				"end_date",
				"raw",
				"updated_at",
			}),
		}).Create(&next).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return &merged, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if err != nil {
		return nil, subscriptionErr(err)
	}
	return row.toSubscription(), nil
}

// CancelSubscription implements billing.SubscriptionStore
func (s *Storage) CancelSubscription(ctx context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	var out *billing.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		end := endDate.UTC()
		res := tx.Model(&subscriptionRow{}).
			Where("user_id = ? AND provider_subscription_id = ?", userID, providerSubscriptionID).
			Updates(map[string]interface{}{
				"status":     string(billing.StatusCanceled),
				"end_date":   &end,
				"updated_at": s.clock(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return billing.ErrSubscriptionNotFound
		}

		var row subscriptionRow
		if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
			return err
		}
		out = row.toSubscription()
		return nil
	})
	if err != nil {
		return nil, subscriptionErr(err)
	}
	return out, nil
}

// ListSubscriptions implements billing.SubscriptionStore
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	filter = filter.Normalize()

	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&subscriptionRow{})
		if filter.Provider != "" {
			query = query.Where("provider = ?", string(filter.Provider))
		}
		if filter.Status != "" {
			query = query.Where("status = ?", string(filter.Status))
		}
		if filter.Plan != "" {
			query = query.Where("plan = ?", string(filter.Plan))
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	var rows []subscriptionRow
	err := filtered().Order("updated_at DESC").Order("user_id").
		Limit(filter.Limit).Offset(filter.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]billing.Subscription, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toSubscription())
	}
	return out, int(total), nil
}

// IsEventProcessed implements billing.EventLog
func (s *Storage) IsEventProcessed(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&processedEventRow{}).Where("delivery_key = ?", key).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return count > 0, nil
}

// MarkEventProcessed implements billing.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&processedEventRow{DeliveryKey: key, ProcessedAt: s.clock()}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// PurgeEvents deletes processed delivery keys older than cutoff.
func (s *Storage) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("processed_at < ?", cutoff.UTC()).Delete(&processedEventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func userErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.ErrUserNotFound
	}
	return err
}

func subscriptionErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.ErrSubscriptionNotFound
	}
	return err
}

func (r *userRow) toUser() *billing.User {
	return &billing.User{
		ID:             r.ID,
		Email:          r.Email,
		Plan:           billing.Plan(r.Plan),
		IsSubscribed:   r.IsSubscribed,
		SubscriptionID: r.SubscriptionID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *subscriptionRow) toSubscription() *billing.Subscription {
	sub := &billing.Subscription{
		UserID:                 r.UserID,
		Provider:               billing.ProviderName(r.Provider),
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		Plan:                   billing.Plan(r.Plan),
		Status:                 billing.SubscriptionStatus(r.Status),
		EndDate:                r.EndDate,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	if r.StartDate != nil {
		sub.StartDate = *r.StartDate
	}
	if len(r.Raw) > 0 {
		sub.Raw = append([]byte(nil), r.Raw...)
	}
	return sub
}

func fromSubscription(sub billing.Subscription) subscriptionRow {
	row := subscriptionRow{
		UserID:                 sub.UserID,
		Provider:               string(sub.Provider),
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Plan:                   string(sub.Plan),
		Status:                 string(sub.Status),
		EndDate:                sub.EndDate,
		Raw:                    sub.Raw,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
	if !sub.StartDate.IsZero() {
		start := sub.StartDate.UTC()
		row.StartDate = &start
	}
	return row
}
