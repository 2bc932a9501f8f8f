package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/paystack"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
)

// StripeCheckout starts Stripe checkout sessions. *stripe.Provider implements it.
type StripeCheckout interface {
	CreateCheckoutSession(ctx context.Context, userID, priceID string) (*stripe.CheckoutSession, error)
}

// PaystackCheckout starts and verifies Paystack transactions. *paystack.Provider
// implements it.
type PaystackCheckout interface {
	Initialize(ctx context.Context, userID, email string, amountNaira float64) (*paystack.Authorization, error)
	Verify(ctx context.Context, reference string) (*paystack.VerifyResult, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Subscriptions backs the admin listing endpoints (required)
	Subscriptions billing.SubscriptionStore

	// Guard resolves a user's plan and limits (required)
	Guard *billing.PlanGuard

	// Stripe enables POST /subscriptions/create/stripe. Optional.
	Stripe StripeCheckout

	// Paystack enables the Paystack checkout and verify endpoints. Optional.
	Paystack PaystackCheckout

	// OnError handles errors. If nil, writes {"error": ...} with a status
	// derived from the error.
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Subscriptions == nil {
		return fmt.Errorf("subscriptions store is required")
	}
	if c.Guard == nil {
		return fmt.Errorf("plan guard is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}
