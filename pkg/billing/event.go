package billing

import (
	"context"
	"encoding/json"
)

// ProviderName identifies a payment provider.
type ProviderName string

const (
	ProviderStripe   ProviderName = "stripe"
	ProviderPaystack ProviderName = "paystack"
)

// ParseProvider returns the provider with the given name.
func ParseProvider(s string) (ProviderName, error) {
	switch ProviderName(s) {
	case ProviderStripe, ProviderPaystack:
		return ProviderName(s), nil
	default:
		return "", ErrUnknownProvider
	}
}

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventSuccess              EventType = "success"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventUnhandled            EventType = "unhandled"
)

// PlanSource records how an event's plan was decided.
type PlanSource string

const (
	PlanFromMetadata PlanSource = "metadata"
	PlanFromRegistry PlanSource = "registry"
	PlanFromFallback PlanSource = "fallback"
)

// BillingEvent is the normalized form of one provider webhook. It is consumed
// once by the Reconciler and never persisted.
type BillingEvent struct {
	Type     EventType
	Provider ProviderName

	// EventID is the provider's delivery identifier, used for dedupe.
	EventID string

	// ProviderEventType is the raw provider event name ("checkout.session.completed").
	ProviderEventType string

	UserID string
	Email  string

	// Plan is only set for success events.
	Plan       Plan
	PlanSource PlanSource

	// ProviderReference is the Stripe subscription ID or Paystack reference.
	ProviderReference string

	// RawPayload is the provider object the event describes.
	RawPayload json.RawMessage
}

// DeliveryKey identifies the delivery across retries. Empty when the provider
// supplied no event id.
func (e BillingEvent) DeliveryKey() string {
	if e.EventID == "" {
		return ""
	}
	return string(e.Provider) + ":" + e.EventID
}

// ProviderEvent is what an Adapter extracts from a verified provider payload,
// before identity and plan resolution.
type ProviderEvent struct {
	Type              EventType
	ProviderEventType string
	EventID           string

	UserID string
	Email  string

	// MetadataPlan is the plan named in the checkout metadata, if any.
	MetadataPlan string

	// PlanKey is the Stripe price ID or Paystack amount in kobo.
	PlanKey string

	// ResolvePlanKey fetches PlanKey from the provider when the payload lacks it.
	// Only consulted when neither MetadataPlan nor PlanKey resolve.
	ResolvePlanKey func(ctx context.Context) (string, error)

	Reference string
	Raw       json.RawMessage
}
