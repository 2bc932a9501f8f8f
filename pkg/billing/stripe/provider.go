// Package stripe integrates Stripe Checkout and Stripe webhooks with the
// billing pipeline.
package stripe

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

const (
	providerName = billing.ProviderStripe

	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Service, Plans, Users, APIKey, etc.)

	// Client is the Stripe API client. If nil, one is created from APIKey,
	// HTTPClient and Breaker. Share it with the Adapter given to the Normalizer.
	Client *Client

	// SuccessPath and CancelPath are appended to BaseURL for checkout redirects.
	// Defaults: "/success?session_id={CHECKOUT_SESSION_ID}" and "/cancel".
	SuccessPath string
	CancelPath  string

	// RateLimitRequests per minute per IP on the webhook endpoint. Default: 100.
	RateLimitRequests int
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	config      billing.Config
	client      *Client
	successURL  string
	cancelURL   string
	rateLimiter *internal.RateLimiter
	logger      billing.Logger
	metrics     billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("stripe: %w", err)
	}
	base := config.Config.WithDefaults()

	client := config.Client
	if client == nil {
		var err error
		client, err = NewClient(ClientConfig{
			APIKey:     base.APIKey,
			HTTPClient: base.HTTPClient,
			Breaker:    base.Breaker,
			Logger:     base.Logger,
			Metrics:    base.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	successPath := config.SuccessPath
	if successPath == "" {
		successPath = "/success?session_id={CHECKOUT_SESSION_ID}"
	}
	cancelPath := config.CancelPath
	if cancelPath == "" {
		cancelPath = "/cancel"
	}
	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}

	return &Provider{
		config:      base,
		client:      client,
		successURL:  base.BaseURL + successPath,
		cancelURL:   base.BaseURL + cancelPath,
		rateLimiter: internal.NewRateLimiter(requests, defaultRateLimitWindow),
		logger:      base.Logger,
		metrics:     base.Metrics,
	}, nil
}

// Name implements billing.Provider
func (p *Provider) Name() billing.ProviderName {
	return providerName
}

// WebhookHandler implements billing.Provider
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Client returns the Stripe API client used by the provider.
func (p *Provider) Client() *Client {
	return p.client
}
