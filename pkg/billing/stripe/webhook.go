package stripe

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

type webhookAck struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Stripe webhook events.
//
// Stripe expects 2xx for everything it should not redeliver: processed,
// duplicate and dropped events alike. Bad signatures and unparseable bodies
// get 400, storage failures 500.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The signature covers the exact bytes, so nothing may decode the body first.
	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(string(providerName), "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		p.metrics.RecordWebhookError(string(providerName), "invalid_payload")
		internal.WriteText(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	result, err := p.config.Service.HandleWebhook(r.Context(), providerName, body, r.Header.Get(billing.StripeSignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrInvalidWebhookSignature), billing.IsInvalidPayload(err):
		internal.WriteText(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	default:
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	if p.config.Dispatcher != nil {
		p.config.Dispatcher.Dispatch(r.Context(), result.Pending())
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
}
