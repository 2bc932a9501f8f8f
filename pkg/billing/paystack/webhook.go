package paystack

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

// handleWebhook processes incoming Paystack events. Paystack retries anything
// but a 200, so every accepted delivery answers "OK"; bad signatures get 401
// and every other failure 500.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(string(providerName), "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		p.metrics.RecordWebhookError(string(providerName), "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	result, err := p.config.Service.HandleWebhook(r.Context(), providerName, body, r.Header.Get(billing.PaystackSignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	default:
		http.Error(w, "Webhook error", http.StatusInternalServerError)
		return
	}

	if p.config.Dispatcher != nil {
		p.config.Dispatcher.Dispatch(r.Context(), result.Pending())
	}
	internal.WriteText(w, http.StatusOK, "OK")
}
