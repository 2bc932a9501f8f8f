package api

import "github.com/mihaimyh/gobilling/pkg/billing"

// CreateStripeRequest is the body of POST /subscriptions/create/stripe.
type CreateStripeRequest struct {
	UserID  string `json:"userId" validate:"required,max=255"`
	PriceID string `json:"priceId" validate:"required,max=255"`
}

// CreateStripeResponse carries the hosted checkout page.
type CreateStripeResponse struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// CreatePaystackRequest is the body of POST /subscriptions/create/paystack.
type CreatePaystackRequest struct {
	UserID string  `json:"userId" validate:"required,max=255"`
	Amount float64 `json:"amount" validate:"required,gt=0"` // naira, fractions allowed
	Email  string  `json:"email" validate:"omitempty,email,max=254"`
}

// ListResponse is one page of subscriptions.
type ListResponse struct {
	Subscriptions []billing.Subscription `json:"subscriptions"`
	Total         int                    `json:"total"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// CountResponse is returned by the active count endpoint.
type CountResponse struct {
	Active int `json:"active"`
}

// ErrorResponse is the default error body.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
