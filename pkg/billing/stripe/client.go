package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	defaultHTTPTimeout = 10 * time.Second

	endpointCheckoutSessions = "/v1/checkout/sessions"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// APIKey is the Stripe secret key (required).
	APIKey string

	// HTTPClient is used when Backends is nil. Default: 10s timeout.
	HTTPClient *http.Client

	// Backends overrides the Stripe API backends (stripe-mock, httptest).
	Backends *stripe.Backends

	// Breaker guards every call. If nil, one is created.
	Breaker *billing.Breaker

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Client is the subset of the Stripe API billing needs. Every call runs with
// a 10s deadline behind a circuit breaker.
type Client struct {
	sc      *stripe.Client
	breaker *billing.Breaker
	logger  billing.Logger
	metrics billing.Metrics
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe api key is required", billing.ErrProviderNotConfigured)
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	backends := config.Backends
	if backends == nil {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	}

	breaker := config.Breaker
	if breaker == nil {
		breaker = billing.NewBreaker(string(providerName), 5, 30*time.Second, func(name string, s billing.BreakerState) {
			logger.Warn("provider circuit breaker changed state",
				billing.Field{Key: "provider", Value: name},
				billing.Field{Key: "state", Value: s},
			)
		})
	}

	return &Client{
		sc:      stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// LineItemPriceID returns the price of the first line item of a checkout
// session. Webhook payloads never embed line items, so the normalizer asks
// for them when the session metadata names no plan.
func (c *Client) LineItemPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("line_items.data.price")

	var session *stripe.CheckoutSession
	err := c.call(ctx, endpointCheckoutSessions+"/retrieve", func(ctx context.Context) error {
		var err error
		session, err = c.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return firstPriceID(session), nil
}

func (c *Client) createCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	var session *stripe.CheckoutSession
	err := c.call(ctx, endpointCheckoutSessions, func(ctx context.Context) error {
		var err error
		session, err = c.sc.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	return session, err
}

func (c *Client) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	err := c.breaker.Do(ctx, fn)
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordAPICall(string(providerName), endpoint, status)
	c.metrics.RecordAPICallDuration(string(providerName), endpoint, time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	return nil
}

func firstPriceID(session *stripe.CheckoutSession) string {
	if session == nil || session.LineItems == nil || len(session.LineItems.Data) == 0 {
		return ""
	}
	item := session.LineItems.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}
