package billing

import (
	"net/http"
	"strings"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Service runs verified deliveries through normalize and reconcile (required).
	Service *Service

	// Dispatcher sends the notifications produced by reconciliation.
	// If nil, notifications are logged and dropped.
	Dispatcher *Dispatcher

	// Plans resolves plans for checkout requests (required).
	Plans *PlanRegistry

	// Users looks up the paying user for checkout requests (required).
	Users UserStore

	// APIKey is the provider secret key used for outbound API calls.
	APIKey string

	// BaseURL is the public URL of the frontend, used to build success,
	// cancel and callback URLs (e.g. "https://app.example.com").
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Breaker guards outbound API calls. If nil, one is created per provider.
	Breaker *Breaker

	// MaxBodyBytes caps webhook bodies. Default: 256 KiB.
	MaxBodyBytes int64

	Logger  Logger
	Metrics Metrics
}

// DefaultMaxBodyBytes is the webhook body limit used when Config leaves it zero.
const DefaultMaxBodyBytes = 256 * 1024

// Validate checks the provider independent fields.
func (c *Config) Validate() error {
	if c.Service == nil || c.Plans == nil || c.Users == nil {
		return ErrProviderNotConfigured
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrProviderNotConfigured
	}
	return nil
}

// WithDefaults fills optional fields.
func (c Config) WithDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c.Logger = loggerOrNoop(c.Logger)
	c.Metrics = metricsOrNoop(c.Metrics)
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}
