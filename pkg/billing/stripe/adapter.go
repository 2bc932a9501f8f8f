package stripe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Stripe event types the adapter understands.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventInvoicePaymentFail  = "invoice.payment_failed"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventSubscriptionUpdated = "customer.subscription.updated"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	metadataUserID      = "userId"
	metadataSnakeUserID = "user_id"
	metadataPlan        = "plan"
	metadataPriceID     = "priceId"
	metadataEmail       = "email"
)

// SessionFetcher looks up the price a checkout session was paid with.
type SessionFetcher interface {
	LineItemPriceID(ctx context.Context, sessionID string) (string, error)
}

// Adapter extracts billing facts from Stripe event payloads.
type Adapter struct {
	sessions SessionFetcher
}

var _ billing.Adapter = (*Adapter)(nil)

// NewAdapter creates an Adapter. sessions may be nil, in which case checkout
// sessions without a plan in their metadata resolve to the fallback plan.
func NewAdapter(sessions SessionFetcher) *Adapter {
	return &Adapter{sessions: sessions}
}

// Provider implements billing.Adapter
func (a *Adapter) Provider() billing.ProviderName {
	return providerName
}

// Extract implements billing.Adapter
func (a *Adapter) Extract(_ context.Context, payload []byte) (billing.ProviderEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	if event.Type == "" || event.Data == nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: missing event type or data", billing.ErrInvalidWebhookPayload)
	}

	pe := billing.ProviderEvent{
		Type:              billing.EventUnhandled,
		ProviderEventType: string(event.Type),
		EventID:           event.ID,
		Raw:               event.Data.Raw,
	}

	var err error
	switch string(event.Type) {
	case eventCheckoutCompleted:
		err = a.checkoutCompleted(&pe, event.Data.Raw)
	case eventInvoicePaymentFail:
		err = invoicePaymentFailed(&pe, event.Data.Raw)
	case eventSubscriptionDeleted:
		err = subscriptionEnded(&pe, event.Data.Raw, true)
	case eventSubscriptionUpdated:
		err = subscriptionEnded(&pe, event.Data.Raw, false)
	}
	if err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %s: %w", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return pe, nil
}

func (a *Adapter) checkoutCompleted(pe *billing.ProviderEvent, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return err
	}

	pe.Type = billing.EventSuccess
	pe.UserID = metadataUser(session.Metadata)
	if pe.UserID == "" {
		pe.UserID = session.ClientReferenceID
	}
	pe.Email = sessionEmail(&session)
	pe.MetadataPlan = session.Metadata[metadataPlan]

	pe.PlanKey = firstPriceID(&session)
	if pe.PlanKey == "" {
		pe.PlanKey = session.Metadata[metadataPriceID]
	}
	if pe.PlanKey == "" && a.sessions != nil && session.ID != "" {
		sessionID := session.ID
		pe.ResolvePlanKey = func(ctx context.Context) (string, error) {
			return a.sessions.LineItemPriceID(ctx, sessionID)
		}
	}

	pe.Reference = session.ID
	if session.Subscription != nil && session.Subscription.ID != "" {
		pe.Reference = session.Subscription.ID
	}
	return nil
}

// sessionEmail prefers customer_email, then customer_details.email, then
// metadata.email.
func sessionEmail(session *stripe.CheckoutSession) string {
	if session.CustomerEmail != "" {
		return session.CustomerEmail
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.Metadata[metadataEmail]
}

func invoicePaymentFailed(pe *billing.ProviderEvent, raw json.RawMessage) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return err
	}
	pe.Type = billing.EventPaymentFailed
	pe.UserID = metadataUser(invoice.Metadata)
	pe.Email = invoice.CustomerEmail
	pe.Reference = invoice.ID
	return nil
}

// subscriptionEnded maps deletions, and updates into a terminal status, to
// cancellations. Other updates are left unhandled.
func subscriptionEnded(pe *billing.ProviderEvent, raw json.RawMessage, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	if !deleted && !terminalStatus(sub.Status) {
		return nil
	}
	pe.Type = billing.EventSubscriptionCanceled
	pe.UserID = metadataUser(sub.Metadata)
	pe.Email = sub.Metadata[metadataEmail]
	pe.Reference = sub.ID
	return nil
}

func terminalStatus(s stripe.SubscriptionStatus) bool {
	switch s {
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return true
	}
	return false
}

func metadataUser(metadata map[string]string) string {
	if id := metadata[metadataUserID]; id != "" {
		return id
	}
	return metadata[metadataSnakeUserID]
}
