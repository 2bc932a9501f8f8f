package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// ErrInvalidAmount is returned for checkout amounts below one kobo.
var ErrInvalidAmount = errors.New("paystack: amount must be positive")

// NairaToKobo converts a naira amount to whole kobo, rounding half away from zero.
func NairaToKobo(naira float64) int64 {
	return int64(math.Round(naira * 100))
}

// Initialize starts a Paystack payment of amountNaira for userID.
//
// The amount is charged in kobo and must map to a plan in the registry; the
// plan and user id travel in the transaction metadata. email defaults to the
// user's stored email.
func (p *Provider) Initialize(ctx context.Context, userID, email string, amountNaira float64) (*Authorization, error) {
	kobo := NairaToKobo(amountNaira)
	if kobo <= 0 {
		return nil, ErrInvalidAmount
	}
	plan, ok := p.config.Plans.PlanForPaystackAmount(kobo)
	if !ok {
		p.metrics.RecordAPICall(string(providerName), endpointInitialize, "amount_not_found")
		return nil, fmt.Errorf("%w: paystack amount %d kobo", billing.ErrPlanNotConfigured, kobo)
	}

	user, err := p.config.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return nil, err
		}
		return nil, &billing.StorageError{Op: "get user", UserID: userID, Err: err}
	}
	if email == "" {
		email = user.Email
	}

	auth, err := p.client.InitializeTransaction(ctx, InitializeRequest{
		Email:       email,
		Amount:      kobo,
		Reference:   uuid.NewString(),
		CallbackURL: p.callbackURL,
		Metadata: map[string]string{
			metadataUserID: user.ID,
			metadataPlan:   string(plan),
		},
	})
	if err != nil {
		p.logger.Error("failed to initialize paystack transaction",
			billing.Field{Key: "userId", Value: user.ID},
			billing.Field{Key: "amount", Value: kobo},
			billing.Err(err),
		)
		return nil, err
	}

	p.logger.Info("paystack transaction initialized",
		billing.Field{Key: "userId", Value: user.ID},
		billing.Field{Key: "plan", Value: plan},
		billing.Field{Key: "reference", Value: auth.Reference},
	)
	return auth, nil
}

// VerifyResult is what a manual verification did.
type VerifyResult struct {
	Transaction *Transaction           `json:"transaction"`
	Status      billing.DeliveryStatus `json:"status,omitempty"`
	Action      billing.Action         `json:"action,omitempty"`
}

// Verify fetches the transaction and, when it was paid, reconciles it as if
// its charge.success webhook had arrived. Transactions in any other state are
// returned untouched.
func (p *Provider) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	tx, err := p.client.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	out := &VerifyResult{Transaction: tx}
	if tx.Status != TransactionSuccess {
		return out, nil
	}

	payload, err := json.Marshal(webhookPayload{Event: eventChargeSuccess, Data: tx.Raw})
	if err != nil {
		return nil, err
	}
	result, err := p.config.Service.Process(ctx, providerName, payload)
	if err != nil {
		return nil, err
	}
	out.Status = result.Status
	if result.Outcome != nil {
		out.Action = result.Outcome.Action
	}
	if p.config.Dispatcher != nil {
		p.config.Dispatcher.Dispatch(ctx, result.Pending())
	}
	return out, nil
}
