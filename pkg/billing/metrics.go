package billing

import "time"

// Metrics defines the interface for tracking billing pipeline operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery.
	// eventType: the provider event name (e.g., "checkout.session.completed", "charge.success")
	// status: "success", "duplicate", "dropped" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g., "auth_failed", "invalid_payload", "storage_error"
	RecordWebhookError(provider, errorType string)

	// RecordReconcile records the action the reconciler took for an event.
	RecordReconcile(provider, action string)

	// RecordPlanChange records when a user's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordPlanFallback records an event billed with the fallback plan.
	// reason: "no_plan_key" or "unknown_plan_key"
	RecordPlanFallback(provider, reason string)

	// RecordNotification records a billing email attempt.
	// status: "sent" or "failed"
	RecordNotification(kind, status string)

	// RecordAPICall records an API call to the billing provider.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                                  {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordPlanFallback(_, _ string)                               {}
func (n *NoopMetrics) RecordNotification(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
