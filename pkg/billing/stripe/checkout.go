package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// CheckoutSession is the part of a created session the client needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for userID at priceID.
//
// The user id, price and plan are written to the session metadata, and the
// user id to the subscription metadata, so later webhooks resolve without a
// lookup.
func (p *Provider) CreateCheckoutSession(ctx context.Context, userID, priceID string) (*CheckoutSession, error) {
	plan, ok := p.config.Plans.PlanForStripePrice(priceID)
	if !ok {
		p.metrics.RecordAPICall(string(providerName), endpointCheckoutSessions, "price_not_found")
		return nil, fmt.Errorf("%w: stripe price %q", billing.ErrPlanNotConfigured, priceID)
	}

	user, err := p.config.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return nil, err
		}
		return nil, &billing.StorageError{Op: "get user", UserID: userID, Err: err}
	}

	metadata := map[string]string{
		metadataUserID:  user.ID,
		metadataPriceID: priceID,
		metadataPlan:    string(plan),
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(user.ID),
		Metadata:          metadata,
	}
	if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, user.ID)
	params.SubscriptionData.AddMetadata(metadataPlan, string(plan))
	if user.Email != "" {
		params.SubscriptionData.AddMetadata(metadataEmail, user.Email)
	}

	session, err := p.client.createCheckoutSession(ctx, params)
	if err != nil {
		p.logger.Error("failed to create checkout session",
			billing.Field{Key: "userId", Value: user.ID},
			billing.Field{Key: "priceId", Value: priceID},
			billing.Err(err),
		)
		return nil, err
	}

	p.logger.Info("checkout session created",
		billing.Field{Key: "userId", Value: user.ID},
		billing.Field{Key: "plan", Value: plan},
		billing.Field{Key: "sessionId", Value: session.ID},
	)
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}
