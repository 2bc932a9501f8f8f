package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	// DefaultBaseURL is the Paystack REST API.
	DefaultBaseURL = "https://api.paystack.co"

	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20

	endpointInitialize = "/transaction/initialize"
	endpointVerify     = "/transaction/verify"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// SecretKey is the Paystack secret key (required).
	SecretKey string

	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Breaker guards every call. If nil, one is created.
	Breaker *billing.Breaker

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Client calls the Paystack transaction API.
type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	breaker    *billing.Breaker
	logger     billing.Logger
	metrics    billing.Metrics
}

// APIError is a non-2xx or status=false answer from Paystack.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack api: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool { return target == billing.ErrProviderAPIError }

// InitializeRequest is the body of POST /transaction/initialize.
type InitializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"` // kobo
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Authorization is returned by a successful initialize call.
type Authorization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Customer is the payer of a transaction.
type Customer struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code,omitempty"`
}

// Transaction is the verify view of a charge.
type Transaction struct {
	ID        int64           `json:"id"`
	Status    string          `json:"status"`
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    string          `json:"paid_at,omitempty"`
	Customer  Customer        `json:"customer"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Raw is the data object exactly as Paystack returned it.
	Raw json.RawMessage `json:"-"`
}

// TransactionSuccess is the status of a paid transaction.
const TransactionSuccess = "success"

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	secret := strings.TrimSpace(config.SecretKey)
	if secret == "" {
		return nil, fmt.Errorf("%w: paystack secret key is required", billing.ErrProviderNotConfigured)
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
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
		secretKey:  secret,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// InitializeTransaction starts a hosted payment.
func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*Authorization, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodPost, endpointInitialize, endpointInitialize, body)
	if err != nil {
		return nil, err
	}
	var auth Authorization
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("%w: decode initialize response: %w", billing.ErrProviderAPIError, err)
	}
	return &auth, nil
}

// VerifyTransaction fetches the transaction with the given reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: empty reference", billing.ErrProviderAPIError)
	}
	data, err := c.do(ctx, http.MethodGet, endpointVerify+"/"+url.PathEscape(reference), endpointVerify, nil)
	if err != nil {
		return nil, err
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %w", billing.ErrProviderAPIError, err)
	}
	tx.Raw = data
	return &tx, nil
}

// do sends one request and returns the envelope's data field. metricEndpoint
// keeps references out of metric labels.
func (c *Client) do(ctx context.Context, method, path, metricEndpoint string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	var data json.RawMessage
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "malformed response"}
		}
		if resp.StatusCode >= 300 || !env.Status {
			return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
		}
		data = env.Data
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordAPICall(string(providerName), metricEndpoint, status)
	c.metrics.RecordAPICallDuration(string(providerName), metricEndpoint, time.Since(start))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, metricEndpoint, err)
	}
	return data, nil
}
