// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies optimized for each operation type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) for lookups on the
	// webhook path
	Hot billing.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billing.Storage

	// AsyncEventSync marks processed deliveries in Hot immediately and copies
	// the marker to Cold in the background. If false, markers are written to
	// both synchronously.
	AsyncEventSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: users, subscriptions, delivery markers (Hot → Cold)
// - Write-Through: user and subscription writes (Cold → Hot)
// - Cold-Only: subscription listing
// - Hot-Primary/Async: delivery markers when AsyncEventSync is set
type Storage struct {
	hot  billing.Storage
	cold billing.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncEventSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncEventSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// enqueue hands job to the worker, running it inline when the buffer is full
// or the worker has stopped.
func (s *Storage) enqueue(job func() error) {
	select {
	case <-s.shutdown:
		s.run(job)
		return
	default:
	}
	select {
	case s.syncQueue <- job:
	default:
		s.run(job)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements billing.UserStore with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, id string) (*billing.User, error) {
	if u, err := s.hot.GetUser(ctx, id); err == nil {
		return u, nil
	}

	u, err := s.cold.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	// Cache fill; Cold is the source of truth.
	_ = s.hot.PutUser(ctx, u) //nolint:errcheck // Cache fill - errors are non-critical
	return u, nil
}

// FindUserByEmail implements billing.UserStore with read-through strategy.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	if u, err := s.hot.FindUserByEmail(ctx, email); err == nil {
		return u, nil
	}

	u, err := s.cold.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	_ = s.hot.PutUser(ctx, u) //nolint:errcheck // Cache fill - errors are non-critical
	return u, nil
}

// GetSubscription implements billing.SubscriptionStore with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, userID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	_, _ = s.hot.UpsertSubscription(ctx, sub) //nolint:errcheck // Cache fill - errors are non-critical
	return sub, nil
}

// IsEventProcessed implements billing.EventLog. A marker in Hot is trusted;
// a miss is confirmed against Cold.
func (s *Storage) IsEventProcessed(ctx context.Context, key string) (bool, error) {
	if seen, err := s.hot.IsEventProcessed(ctx, key); err == nil && seen {
		return true, nil
	}

	seen, err := s.cold.IsEventProcessed(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		_ = s.hot.MarkEventProcessed(ctx, key) //nolint:errcheck // Cache fill - errors are non-critical
	}
	return seen, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Billing state must be durable first.

// PutUser implements billing.UserStore with write-through strategy.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if err := s.cold.PutUser(ctx, user); err != nil {
		return err
	}
	_ = s.hot.PutUser(ctx, user) //nolint:errcheck // Best effort - Cold is source of truth
	return nil
}

// UpdateUserBilling implements billing.UserStore with write-through strategy.
// Hot receives the user as Cold stored it.
func (s *Storage) UpdateUserBilling(ctx context.Context, userID string, update billing.BillingUpdate) (*billing.User, error) {
	before, err := s.cold.UpdateUserBilling(ctx, userID, update)
	if err != nil {
		return nil, err
	}
	s.refreshUser(ctx, userID)
	return before, nil
}

// UpsertSubscription implements billing.SubscriptionStore with write-through strategy.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, error) {
	stored, err := s.cold.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	_, _ = s.hot.UpsertSubscription(ctx, stored) //nolint:errcheck // Best effort - Cold is source of truth
	return stored, nil
}

// CancelSubscription implements billing.SubscriptionStore with write-through strategy.
func (s *Storage) CancelSubscription(ctx context.Context, userID, providerSubscriptionID string,
	endDate time.Time) (*billing.Subscription, error) {
	canceled, err := s.cold.CancelSubscription(ctx, userID, providerSubscriptionID, endDate)
	if err != nil {
		return nil, err
	}
	_, _ = s.hot.UpsertSubscription(ctx, canceled) //nolint:errcheck // Best effort - Cold is source of truth
	return canceled, nil
}

func (s *Storage) refreshUser(ctx context.Context, userID string) {
	u, err := s.cold.GetUser(ctx, userID)
	if err != nil {
		return
	}
	_ = s.hot.PutUser(ctx, u) //nolint:errcheck // Best effort - Cold is source of truth
}

// --- Strategy: Cold-Only ---

// ListSubscriptions implements billing.SubscriptionStore. Hot may hold a
// partial working set, so listing always reads Cold.
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]billing.Subscription, int, error) {
	return s.cold.ListSubscriptions(ctx, filter)
}

// --- Strategy: Hot-Primary/Async ---

// MarkEventProcessed implements billing.EventLog.
func (s *Storage) MarkEventProcessed(ctx context.Context, key string) error {
	if !s.conf.AsyncEventSync {
		if err := s.cold.MarkEventProcessed(ctx, key); err != nil {
			return err
		}
		_ = s.hot.MarkEventProcessed(ctx, key) //nolint:errcheck // Best effort - Cold is source of truth
		return nil
	}

	if err := s.hot.MarkEventProcessed(ctx, key); err != nil {
		return err
	}
	s.enqueue(func() error {
		return s.cold.MarkEventProcessed(context.WithoutCancel(ctx), key)
	})
	return nil
}
