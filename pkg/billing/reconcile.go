package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is what the Reconciler did with an event.
type Action string

const (
	ActionActivated     Action = "activated"
	ActionAccessRevoked Action = "access_revoked"
	ActionCanceled      Action = "canceled"
	ActionUserNotFound  Action = "user_not_found"
	ActionIgnored       Action = "ignored"
)

// Outcome is the result of reconciling one event. Pending holds the side
// effects the caller is responsible for dispatching.
type Outcome struct {
	Action       Action
	UserID       string
	Email        string
	Plan         Plan
	PreviousPlan Plan
	Subscription *Subscription
	Pending      []Notification
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Users         UserStore
	Subscriptions SubscriptionStore
	Logger        Logger
	Metrics       Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciler applies BillingEvents to the user and subscription stores. It
// holds no locks: concurrent deliveries for the same user rely on the
// stores' atomic upserts.
type Reconciler struct {
	users   UserStore
	subs    SubscriptionStore
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler validates config and creates a Reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Users == nil || config.Subscriptions == nil {
		return nil, fmt.Errorf("%w: user and subscription stores are required", ErrProviderNotConfigured)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		users:   config.Users,
		subs:    config.Subscriptions,
		logger:  loggerOrNoop(config.Logger),
		metrics: metricsOrNoop(config.Metrics),
		now:     now,
	}, nil
}

// Reconcile applies ev. Errors are *StorageError (retryable) or
// *NormalizationError (drop). Applying the same success event twice leaves the
// stores unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, ev BillingEvent) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	switch ev.Type {
	case EventSuccess:
		out, err = r.activate(ctx, ev)
	case EventPaymentFailed:
		out, err = r.revokeAccess(ctx, ev)
	case EventSubscriptionCanceled:
		out, err = r.cancel(ctx, ev)
	default:
		r.logger.Info("unhandled billing event",
			Field{"provider", ev.Provider},
			Field{"event", ev.ProviderEventType},
		)
		out = &Outcome{Action: ActionIgnored}
	}
	if err != nil {
		return nil, err
	}
	r.metrics.RecordReconcile(string(ev.Provider), string(out.Action))
	return out, nil
}

func (r *Reconciler) activate(ctx context.Context, ev BillingEvent) (*Outcome, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, &NormalizationError{
				Provider:  ev.Provider,
				EventType: ev.ProviderEventType,
				Reason:    "no user matches userId or email",
				Err:       err,
			}
		}
		return nil, err
	}

	now := r.now().UTC()
	saved, err := r.subs.UpsertSubscription(ctx, &Subscription{
		UserID:                 user.ID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.ProviderReference,
		Plan:                   ev.Plan,
		Status:                 StatusActive,
		StartDate:              now,
		Raw:                    ev.RawPayload,
	})
	if err != nil {
		return nil, &StorageError{Op: "upsert subscription", UserID: user.ID, Err: err}
	}

	plan, subscribed, ref := ev.Plan, true, ev.ProviderReference
	before, err := r.users.UpdateUserBilling(ctx, user.ID, BillingUpdate{
		Plan:           &plan,
		IsSubscribed:   &subscribed,
		SubscriptionID: &ref,
	})
	if err != nil {
		return nil, &StorageError{Op: "update user billing", UserID: user.ID, Err: err}
	}
	if before.Plan != plan {
		r.metrics.RecordPlanChange(string(ev.Provider), string(before.Plan), string(plan))
	}

	r.logger.Info("subscription activated",
		Field{"provider", ev.Provider},
		Field{"userId", user.ID},
		Field{"plan", plan},
		Field{"planSource", ev.PlanSource},
		Field{"reference", ref},
	)

	out := &Outcome{
		Action:       ActionActivated,
		UserID:       user.ID,
		Email:        user.Email,
		Plan:         plan,
		PreviousPlan: before.Plan,
		Subscription: saved,
	}
	if user.Email != "" {
		out.Pending = append(out.Pending, Notification{
			Kind:   NotifySubscriptionActivated,
			To:     user.Email,
			UserID: user.ID,
			Plan:   plan,
		})
	}
	return out, nil
}

func (r *Reconciler) revokeAccess(ctx context.Context, ev BillingEvent) (*Outcome, error) {
	user, err := r.resolveUser(ctx, ev)
	if errors.Is(err, ErrUserNotFound) {
		r.logger.Warn("payment failed for unknown user",
			Field{"provider", ev.Provider},
			Field{"userId", ev.UserID},
			Field{"email", ev.Email},
		)
		return &Outcome{Action: ActionUserNotFound, UserID: ev.UserID, Email: ev.Email}, nil
	}
	if err != nil {
		return nil, err
	}

	subscribed := false
	before, err := r.users.UpdateUserBilling(ctx, user.ID, BillingUpdate{IsSubscribed: &subscribed})
	if err != nil {
		return nil, &StorageError{Op: "update user billing", UserID: user.ID, Err: err}
	}

	r.logger.Warn("payment failed, access revoked",
		Field{"provider", ev.Provider},
		Field{"userId", user.ID},
		Field{"reference", ev.ProviderReference},
	)

	out := &Outcome{
		Action:       ActionAccessRevoked,
		UserID:       user.ID,
		Email:        user.Email,
		Plan:         before.Plan,
		PreviousPlan: before.Plan,
	}
	if user.Email != "" {
		out.Pending = append(out.Pending, Notification{
			Kind:   NotifyPaymentFailed,
			To:     user.Email,
			UserID: user.ID,
			Plan:   before.Plan,
		})
	}
	return out, nil
}

func (r *Reconciler) cancel(ctx context.Context, ev BillingEvent) (*Outcome, error) {
	user, err := r.resolveUser(ctx, ev)
	if errors.Is(err, ErrUserNotFound) {
		r.logger.Warn("cancellation for unknown user",
			Field{"provider", ev.Provider},
			Field{"userId", ev.UserID},
			Field{"reference", ev.ProviderReference},
		)
		return &Outcome{Action: ActionUserNotFound, UserID: ev.UserID, Email: ev.Email}, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.ProviderReference == "" {
		return &Outcome{Action: ActionIgnored, UserID: user.ID}, nil
	}

	sub, err := r.subs.CancelSubscription(ctx, user.ID, ev.ProviderReference, r.now().UTC())
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.logger.Info("cancellation does not match current subscription",
			Field{"provider", ev.Provider},
			Field{"userId", user.ID},
			Field{"reference", ev.ProviderReference},
		)
		return &Outcome{Action: ActionIgnored, UserID: user.ID}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "cancel subscription", UserID: user.ID, Err: err}
	}

	plan, subscribed := PlanFree, false
	before, err := r.users.UpdateUserBilling(ctx, user.ID, BillingUpdate{Plan: &plan, IsSubscribed: &subscribed})
	if err != nil {
		return nil, &StorageError{Op: "update user billing", UserID: user.ID, Err: err}
	}
	if before.Plan != plan {
		r.metrics.RecordPlanChange(string(ev.Provider), string(before.Plan), string(plan))
	}

	r.logger.Info("subscription canceled",
		Field{"provider", ev.Provider},
		Field{"userId", user.ID},
		Field{"reference", ev.ProviderReference},
	)
	return &Outcome{
		Action:       ActionCanceled,
		UserID:       user.ID,
		Email:        user.Email,
		Plan:         plan,
		PreviousPlan: before.Plan,
		Subscription: sub,
	}, nil
}

// resolveUser finds the event's user by id, then by email. Misses return
// ErrUserNotFound; other failures are *StorageError.
func (r *Reconciler) resolveUser(ctx context.Context, ev BillingEvent) (*User, error) {
	if ev.UserID != "" {
		user, err := r.users.GetUser(ctx, ev.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, &StorageError{Op: "get user", UserID: ev.UserID, Err: err}
		}
	}
	if ev.Email != "" {
		user, err := r.users.FindUserByEmail(ctx, ev.Email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, &StorageError{Op: "find user by email", Err: err}
		}
	}
	return nil, ErrUserNotFound
}
