// Package paystack integrates Paystack transactions and webhooks with the
// billing pipeline.
package paystack

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

const (
	providerName = billing.ProviderPaystack

	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// Config extends billing.Config with Paystack-specific options
type Config struct {
	billing.Config // Base config (Service, Plans, Users, APIKey, etc.)

	// Client is the Paystack API client. If nil, one is created from APIKey,
	// HTTPClient and Breaker.
	Client *Client

	// APIBaseURL overrides DefaultBaseURL when Client is nil.
	APIBaseURL string

	// CallbackPath is appended to BaseURL for the post-payment redirect.
	// Default: "/billing/paystack/callback".
	CallbackPath string

	// RateLimitRequests per minute per IP on the webhook endpoint. Default: 100.
	RateLimitRequests int
}

// Provider implements billing.Provider for Paystack
type Provider struct {
	config      billing.Config
	client      *Client
	callbackURL string
	rateLimiter *internal.RateLimiter
	logger      billing.Logger
	metrics     billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Paystack billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("paystack: %w", err)
	}
	base := config.Config.WithDefaults()

	client := config.Client
	if client == nil {
		var err error
		client, err = NewClient(ClientConfig{
			SecretKey:  base.APIKey,
			BaseURL:    config.APIBaseURL,
			HTTPClient: base.HTTPClient,
			Breaker:    base.Breaker,
			Logger:     base.Logger,
			Metrics:    base.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	callbackPath := config.CallbackPath
	if callbackPath == "" {
		callbackPath = "/billing/paystack/callback"
	}
	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}

	return &Provider{
		config:      base,
		client:      client,
		callbackURL: base.BaseURL + callbackPath,
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

// Client returns the Paystack API client used by the provider.
func (p *Provider) Client() *Client {
	return p.client
}
