package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnresolvableEvent is returned when an event carries no usable user identity
	ErrUnresolvableEvent = errors.New("billing event cannot be resolved to a user")

	// ErrUserNotFound is returned by stores when a user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned by stores when no subscription matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStorage marks failures of the user or subscription store
	ErrStorage = errors.New("billing storage failure")

	// ErrNotificationFailed marks failed billing emails
	ErrNotificationFailed = errors.New("billing notification failed")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan has no provider price or limits
	ErrPlanNotConfigured = errors.New("plan not configured in plan registry")

	// ErrUnknownProvider is returned for provider names without an adapter
	ErrUnknownProvider = errors.New("unknown billing provider")
)

// SignatureError means the payload could not be proven to come from the provider.
// It must be answered with a 4xx and never processed.
type SignatureError struct {
	Provider ProviderName
	Reason   string
	Err      error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook signature: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook signature: %s", e.Provider, e.Reason)
}

func (e *SignatureError) Unwrap() error { return e.Err }

func (e *SignatureError) Is(target error) bool { return target == ErrInvalidWebhookSignature }

// NormalizationError means the event is permanently unusable (no user, unknown shape).
// The delivery is acknowledged so the provider stops retrying.
type NormalizationError struct {
	Provider  ProviderName
	EventType string
	Reason    string
	Err       error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("%s event %q: %s", e.Provider, e.EventType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

func (e *NormalizationError) Is(target error) bool { return target == ErrUnresolvableEvent }

// StorageError wraps a failed store operation. Deliveries failing with it are
// answered with a 5xx so the provider redelivers.
type StorageError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StorageError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("billing storage: %s (user %s): %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("billing storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// ProviderFetchError means data needed to resolve an event could not be
// fetched from the provider. The delivery is answered with a 5xx and not
// recorded, so the provider redelivers it.
type ProviderFetchError struct {
	Provider  ProviderName
	Reference string
	Err       error
}

func (e *ProviderFetchError) Error() string {
	return fmt.Sprintf("billing provider %s: fetch for %s: %v", e.Provider, e.Reference, e.Err)
}

func (e *ProviderFetchError) Unwrap() error { return e.Err }

func (e *ProviderFetchError) Is(target error) bool { return target == ErrProviderAPIError }

// NotificationError wraps a failed email. It is logged, never returned to a webhook caller.
type NotificationError struct {
	Kind NotificationKind
	To   string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("billing notification %s to %s: %v", e.Kind, e.To, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

func (e *NotificationError) Is(target error) bool { return target == ErrNotificationFailed }

// IsRetryable reports whether a webhook delivery failing with err should be
// answered so that the provider retries it.
func IsRetryable(err error) bool {
	var ferr *ProviderFetchError
	return errors.Is(err, ErrStorage) || errors.As(err, &ferr)
}
