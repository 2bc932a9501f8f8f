package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Archiver keeps a copy of every verified webhook body.
type Archiver interface {
	Archive(ctx context.Context, provider ProviderName, body []byte) error
}

// ServiceConfig wires the pipeline.
type ServiceConfig struct {
	Verifier   *Verifier
	Normalizer *Normalizer
	Reconciler *Reconciler

	// Events enables delivery dedupe. Optional.
	Events EventLog

	// Archiver receives verified raw bodies. Optional.
	Archiver Archiver

	Logger  Logger
	Metrics Metrics
}

// Service runs a webhook delivery through verify, normalize and reconcile.
// Dispatching the resulting notifications is left to the caller.
type Service struct {
	verifier   *Verifier
	normalizer *Normalizer
	reconciler *Reconciler
	events     EventLog
	archiver   Archiver
	logger     Logger
	metrics    Metrics
}

// DeliveryStatus summarizes how a delivery was handled.
type DeliveryStatus string

const (
	DeliveryProcessed DeliveryStatus = "processed"
	DeliveryDuplicate DeliveryStatus = "duplicate"
	DeliveryDropped   DeliveryStatus = "dropped"
)

// Result is returned for every delivery that should be acknowledged with a 2xx.
type Result struct {
	Status  DeliveryStatus
	Event   BillingEvent
	Outcome *Outcome

	// Reason explains a dropped delivery.
	Reason string
}

// Pending returns the notifications the caller should dispatch.
func (r *Result) Pending() []Notification {
	if r == nil || r.Outcome == nil {
		return nil
	}
	return r.Outcome.Pending
}

// NewService validates config and creates a Service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Verifier == nil || config.Normalizer == nil || config.Reconciler == nil {
		return nil, fmt.Errorf("%w: verifier, normalizer and reconciler are required", ErrProviderNotConfigured)
	}
	return &Service{
		verifier:   config.Verifier,
		normalizer: config.Normalizer,
		reconciler: config.Reconciler,
		events:     config.Events,
		archiver:   config.Archiver,
		logger:     loggerOrNoop(config.Logger),
		metrics:    metricsOrNoop(config.Metrics),
	}, nil
}

// HandleWebhook verifies rawBody and processes it.
//
// Returned errors are a *SignatureError (answer 4xx), an invalid payload
// (ErrInvalidWebhookPayload, answer 4xx) or a *StorageError (answer 5xx).
// Unresolvable events are not errors: they come back as a dropped Result.
func (s *Service) HandleWebhook(ctx context.Context, provider ProviderName, rawBody []byte, signature string) (*Result, error) {
	if err := s.verifier.Verify(provider, rawBody, signature); err != nil {
		s.metrics.RecordWebhookError(string(provider), "auth_failed")
		s.logger.Warn("webhook signature rejected", Field{"provider", provider}, Err(err))
		return nil, err
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, provider, rawBody); err != nil {
			s.logger.Warn("failed to archive webhook payload", Field{"provider", provider}, Err(err))
		}
	}

	return s.Process(ctx, provider, rawBody)
}

// Process runs an already trusted payload through normalize and reconcile.
// It is used directly for payloads fetched from the provider's API.
func (s *Service) Process(ctx context.Context, provider ProviderName, payload []byte) (*Result, error) {
	start := time.Now()

	ev, err := s.normalizer.Normalize(ctx, provider, payload)
	eventType := ev.ProviderEventType
	if eventType == "" {
		eventType = "unknown"
	}
	defer func() {
		s.metrics.RecordWebhookProcessingDuration(string(provider), eventType, time.Since(start))
	}()

	if err != nil {
		var nerr *NormalizationError
		if errors.As(err, &nerr) {
			return s.drop(provider, ev, eventType, err), nil
		}
		var ferr *ProviderFetchError
		if errors.As(err, &ferr) {
			s.logger.Error("failed to resolve billing event from provider",
				Field{"provider", provider},
				Field{"event", eventType},
				Field{"reference", ferr.Reference},
				Err(err),
			)
			s.metrics.RecordWebhookError(string(provider), "provider_fetch_error")
			s.metrics.RecordWebhookEvent(string(provider), eventType, "error")
			return nil, err
		}
		s.metrics.RecordWebhookError(string(provider), "invalid_payload")
		s.metrics.RecordWebhookEvent(string(provider), eventType, "error")
		return nil, err
	}

	key := ev.DeliveryKey()
	if key != "" && s.events != nil {
		seen, err := s.events.IsEventProcessed(ctx, key)
		if err != nil {
			s.logger.Warn("event log lookup failed, processing anyway", Field{"key", key}, Err(err))
		} else if seen {
			s.logger.Info("duplicate webhook delivery acknowledged", Field{"key", key})
			s.metrics.RecordWebhookEvent(string(provider), eventType, "duplicate")
			return &Result{Status: DeliveryDuplicate, Event: ev}, nil
		}
	}

	out, err := s.reconciler.Reconcile(ctx, ev)
	if err != nil {
		var nerr *NormalizationError
		if errors.As(err, &nerr) {
			return s.drop(provider, ev, eventType, err), nil
		}
		s.logger.Error("failed to reconcile billing event",
			Field{"provider", provider},
			Field{"event", eventType},
			Field{"userId", ev.UserID},
			Err(err),
		)
		s.metrics.RecordWebhookError(string(provider), "storage_error")
		s.metrics.RecordWebhookEvent(string(provider), eventType, "error")
		return nil, err
	}

	if key != "" && s.events != nil {
		if err := s.events.MarkEventProcessed(ctx, key); err != nil {
			s.logger.Warn("failed to record processed event", Field{"key", key}, Err(err))
		}
	}

	s.metrics.RecordWebhookEvent(string(provider), eventType, "success")
	return &Result{Status: DeliveryProcessed, Event: ev, Outcome: out}, nil
}

func (s *Service) drop(provider ProviderName, ev BillingEvent, eventType string, err error) *Result {
	s.logger.Warn("dropping unresolvable billing event",
		Field{"provider", provider},
		Field{"event", eventType},
		Field{"reference", ev.ProviderReference},
		Err(err),
	)
	s.metrics.RecordWebhookEvent(string(provider), eventType, "dropped")
	return &Result{Status: DeliveryDropped, Event: ev, Reason: err.Error()}
}
