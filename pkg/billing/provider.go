package billing

import "net/http"

// Provider is implemented by each payment provider integration.
type Provider interface {
	// Name returns the provider name ("stripe", "paystack").
	Name() ProviderName

	// WebhookHandler returns the HTTP handler that receives the provider's
	// webhooks. It verifies, reconciles and dispatches notifications.
	WebhookHandler() http.Handler
}
