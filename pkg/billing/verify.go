package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	// StripeSignatureHeader carries "t=<unix>,v1=<hex hmac-sha256>".
	StripeSignatureHeader = "Stripe-Signature"

	// PaystackSignatureHeader carries the hex HMAC-SHA512 of the raw body.
	PaystackSignatureHeader = "X-Paystack-Signature"

	// DefaultStripeTolerance is the accepted age of a Stripe signature timestamp.
	DefaultStripeTolerance = 300 * time.Second

	// EnvironmentDevelopment is the only environment where a missing secret is expected.
	EnvironmentDevelopment = "development"
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// StripeWebhookSecret is the whsec_ endpoint secret. Empty disables verification.
	StripeWebhookSecret string

	// PaystackSecretKey is the secret key used to sign Paystack webhooks.
	// Empty disables verification.
	PaystackSecretKey string

	// StripeTolerance defaults to DefaultStripeTolerance.
	StripeTolerance time.Duration

	// Environment is the deployment environment name ("development", "production").
	Environment string

	Logger Logger
}

// Verifier authenticates raw webhook bodies for both providers.
type Verifier struct {
	stripeSecret   string
	paystackSecret string
	tolerance      time.Duration
	environment    string
	logger         Logger
}

// NewVerifier creates a Verifier. Missing secrets put the corresponding
// provider in permissive mode, which is logged on every delivery.
func NewVerifier(config VerifierConfig) *Verifier {
	tolerance := config.StripeTolerance
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	env := strings.ToLower(strings.TrimSpace(config.Environment))
	if env == "" {
		env = EnvironmentDevelopment
	}
	return &Verifier{
		stripeSecret:   strings.TrimSpace(config.StripeWebhookSecret),
		paystackSecret: strings.TrimSpace(config.PaystackSecretKey),
		tolerance:      tolerance,
		environment:    env,
		logger:         loggerOrNoop(config.Logger),
	}
}

// Permissive reports whether deliveries of provider are accepted unverified.
func (v *Verifier) Permissive(provider ProviderName) bool {
	return v.secret(provider) == ""
}

func (v *Verifier) secret(provider ProviderName) string {
	switch provider {
	case ProviderStripe:
		return v.stripeSecret
	case ProviderPaystack:
		return v.paystackSecret
	default:
		return ""
	}
}

// Verify checks signatureHeader against rawBody. rawBody must be the exact
// bytes received; re-encoded JSON will not verify.
func (v *Verifier) Verify(provider ProviderName, rawBody []byte, signatureHeader string) error {
	if provider != ProviderStripe && provider != ProviderPaystack {
		return &SignatureError{Provider: provider, Reason: "unknown provider", Err: ErrUnknownProvider}
	}

	secret := v.secret(provider)
	if secret == "" {
		if v.environment == EnvironmentDevelopment {
			v.logger.Debug("webhook signature not verified, no secret configured",
				Field{"provider", provider})
		} else {
			v.logger.Warn("WEBHOOK SIGNATURE VERIFICATION DISABLED: accepting unsigned payload",
				Field{"provider", provider}, Field{"environment", v.environment})
		}
		return nil
	}

	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return &SignatureError{Provider: provider, Reason: "missing signature header"}
	}

	switch provider {
	case ProviderStripe:
		if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, secret, v.tolerance); err != nil {
			return &SignatureError{Provider: provider, Reason: "stripe signature rejected", Err: err}
		}
	case ProviderPaystack:
		expected := ComputePaystackSignature(rawBody, secret)
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signatureHeader))) {
			return &SignatureError{Provider: provider, Reason: "hmac mismatch"}
		}
	}
	return nil
}

// ComputePaystackSignature returns the hex HMAC-SHA512 Paystack sends in
// X-Paystack-Signature.
func ComputePaystackSignature(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ComputeStripeSignature returns a Stripe-Signature header value for body
// signed at ts.
func ComputeStripeSignature(body []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
