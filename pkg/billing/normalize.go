package billing

import (
	"context"
	"errors"
	"fmt"
)

// Adapter extracts provider-neutral facts from one provider's verified payload.
// Adapters return an error wrapping ErrInvalidWebhookPayload when the body is
// not a well-formed event of their provider.
type Adapter interface {
	Provider() ProviderName
	Extract(ctx context.Context, payload []byte) (ProviderEvent, error)
}

// NormalizerConfig configures a Normalizer.
type NormalizerConfig struct {
	Plans    *PlanRegistry
	Adapters []Adapter
	Logger   Logger
	Metrics  Metrics
}

// Normalizer turns verified provider payloads into BillingEvents.
type Normalizer struct {
	plans    *PlanRegistry
	adapters map[ProviderName]Adapter
	logger   Logger
	metrics  Metrics
}

// NewNormalizer validates config and creates a Normalizer.
func NewNormalizer(config NormalizerConfig) (*Normalizer, error) {
	if config.Plans == nil {
		return nil, fmt.Errorf("%w: plan registry is required", ErrProviderNotConfigured)
	}
	if len(config.Adapters) == 0 {
		return nil, fmt.Errorf("%w: at least one adapter is required", ErrProviderNotConfigured)
	}
	adapters := make(map[ProviderName]Adapter, len(config.Adapters))
	for _, a := range config.Adapters {
		adapters[a.Provider()] = a
	}
	return &Normalizer{
		plans:    config.Plans,
		adapters: adapters,
		logger:   loggerOrNoop(config.Logger),
		metrics:  metricsOrNoop(config.Metrics),
	}, nil
}

// Plans returns the registry the normalizer resolves against.
func (n *Normalizer) Plans() *PlanRegistry { return n.plans }

// Normalize converts payload into a BillingEvent.
//
// A non-unhandled event without user id and email fails with
// *NormalizationError. A plan key that cannot be fetched from the provider
// fails with *ProviderFetchError. A key the registry does not know falls back
// to FallbackPlan with a warning.
func (n *Normalizer) Normalize(ctx context.Context, provider ProviderName, payload []byte) (BillingEvent, error) {
	adapter, ok := n.adapters[provider]
	if !ok {
		return BillingEvent{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	pe, err := adapter.Extract(ctx, payload)
	if err != nil {
		return BillingEvent{}, err
	}

	ev := BillingEvent{
		Type:              pe.Type,
		Provider:          provider,
		EventID:           pe.EventID,
		ProviderEventType: pe.ProviderEventType,
		UserID:            pe.UserID,
		Email:             NormalizeEmail(pe.Email),
		ProviderReference: pe.Reference,
		RawPayload:        pe.Raw,
	}
	if ev.Type == "" {
		ev.Type = EventUnhandled
	}
	if ev.Type == EventUnhandled {
		return ev, nil
	}

	if ev.UserID == "" && ev.Email == "" {
		return ev, &NormalizationError{
			Provider:  provider,
			EventType: pe.ProviderEventType,
			Reason:    "no userId in metadata and no customer email",
			Err:       ErrUnresolvableEvent,
		}
	}

	if ev.Type == EventSuccess {
		var err error
		ev.Plan, ev.PlanSource, err = n.resolvePlan(ctx, provider, pe)
		if err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (n *Normalizer) resolvePlan(ctx context.Context, provider ProviderName, pe ProviderEvent) (Plan, PlanSource, error) {
	if pe.MetadataPlan != "" {
		plan := ParsePlan(pe.MetadataPlan)
		if n.plans.Known(plan) {
			return plan, PlanFromMetadata, nil
		}
		n.logger.Warn("ignoring unknown plan in metadata",
			Field{"provider", provider},
			Field{"plan", pe.MetadataPlan},
			Field{"reference", pe.Reference},
		)
	}

	key := pe.PlanKey
	if key == "" && pe.ResolvePlanKey != nil {
		fetched, err := pe.ResolvePlanKey(ctx)
		if err != nil {
			n.logger.Warn("could not fetch plan key from provider, delivery will be retried",
				Field{"provider", provider},
				Field{"reference", pe.Reference},
				Err(err),
			)
			return "", "", &ProviderFetchError{Provider: provider, Reference: pe.Reference, Err: err}
		}
		key = fetched
	}

	reason := "unknown_plan_key"
	if key == "" {
		reason = "no_plan_key"
	} else if plan, ok := n.plans.Lookup(provider, key); ok {
		return plan, PlanFromRegistry, nil
	}

	n.logger.Warn("plan could not be resolved, billing with fallback plan",
		Field{"provider", provider},
		Field{"event", pe.ProviderEventType},
		Field{"planKey", key},
		Field{"userId", pe.UserID},
		Field{"reference", pe.Reference},
		Field{"fallback", FallbackPlan},
		Field{"reason", reason},
	)
	n.metrics.RecordPlanFallback(string(provider), reason)
	return FallbackPlan, PlanFromFallback, nil
}

// IsInvalidPayload reports whether err means the body was not a parseable event.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidWebhookPayload)
}
