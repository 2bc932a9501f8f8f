package paystack

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	eventChargeSuccess = "charge.success"
	eventChargeFailed  = "charge.failed"

	metadataUserID      = "userId"
	metadataSnakeUserID = "user_id"
	metadataPlan        = "plan"
)

type webhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chargeData struct {
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Status    string          `json:"status"`
	Customer  Customer        `json:"customer"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Adapter extracts billing facts from Paystack event payloads.
type Adapter struct{}

var _ billing.Adapter = (*Adapter)(nil)

// NewAdapter creates an Adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Provider implements billing.Adapter
func (a *Adapter) Provider() billing.ProviderName {
	return providerName
}

// Extract implements billing.Adapter.
//
// Paystack sends no delivery id, so the event id is the event name plus the
// transaction reference. A webhook and a manual verify of the same charge
// therefore dedupe against each other.
func (a *Adapter) Extract(_ context.Context, payload []byte) (billing.ProviderEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	if p.Event == "" {
		return billing.ProviderEvent{}, fmt.Errorf("%w: missing event", billing.ErrInvalidWebhookPayload)
	}

	pe := billing.ProviderEvent{
		Type:              billing.EventUnhandled,
		ProviderEventType: p.Event,
		Raw:               p.Data,
	}
	switch p.Event {
	case eventChargeSuccess:
		pe.Type = billing.EventSuccess
	case eventChargeFailed:
		pe.Type = billing.EventPaymentFailed
	default:
		return pe, nil
	}

	var data chargeData
	if err := json.Unmarshal(p.Data, &data); err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %s data: %w", billing.ErrInvalidWebhookPayload, p.Event, err)
	}
	metadata := parseMetadata(data.Metadata)

	pe.UserID = metadata[metadataUserID]
	if pe.UserID == "" {
		pe.UserID = metadata[metadataSnakeUserID]
	}
	pe.Email = data.Customer.Email
	pe.MetadataPlan = metadata[metadataPlan]
	if data.Amount > 0 {
		pe.PlanKey = strconv.FormatInt(data.Amount, 10)
	}
	pe.Reference = data.Reference
	if data.Reference != "" {
		pe.EventID = p.Event + ":" + data.Reference
	}
	return pe, nil
}

// parseMetadata accepts metadata as a JSON object or as a JSON string holding
// an object, which is what Paystack echoes back for dashboard-created
// payments. Scalar values are stringified; anything else yields an empty map.
func parseMetadata(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "" {
			return out
		}
		if json.Unmarshal([]byte(s), &obj) != nil {
			return out
		}
	}

	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}
