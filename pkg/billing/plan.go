package billing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Plan is an internal plan name.
type Plan string

const (
	PlanFree   Plan = "free"
	PlanPro    Plan = "pro"
	PlanAgency Plan = "agency"

	// FallbackPlan is assigned to paid events whose plan cannot be resolved.
	FallbackPlan = PlanPro
)

// Limits are the entitlements attached to a plan.
type Limits struct {
	MaxGuilds         int `json:"maxGuilds" yaml:"max_guilds" mapstructure:"max_guilds"`
	MaxTelegramGroups int `json:"maxTelegramGroups" yaml:"max_telegram_groups" mapstructure:"max_telegram_groups"`
}

// PlanRegistryConfig holds the raw mapping tables.
type PlanRegistryConfig struct {
	// StripePrices maps Stripe price IDs to plans.
	StripePrices map[string]Plan

	// PaystackAmounts maps Paystack charge amounts (kobo) to plans.
	PaystackAmounts map[int64]Plan

	// Limits maps every plan to its entitlements. Every plan referenced by the
	// price and amount tables must be present.
	Limits map[Plan]Limits
}

// DefaultPlanRegistryConfig returns the production mapping tables.
func DefaultPlanRegistryConfig() PlanRegistryConfig {
	return PlanRegistryConfig{
		StripePrices: map[string]Plan{
			"price_123PRO":    PlanPro,
			"price_456AGENCY": PlanAgency,
		},
		PaystackAmounts: map[int64]Plan{
			50000:  PlanPro,
			100000: PlanAgency,
		},
		Limits: map[Plan]Limits{
			PlanFree:   {MaxGuilds: 1, MaxTelegramGroups: 1},
			PlanPro:    {MaxGuilds: 5, MaxTelegramGroups: 5},
			PlanAgency: {MaxGuilds: 20, MaxTelegramGroups: 20},
		},
	}
}

// PlanRegistry is an immutable lookup of provider identifiers to plans and of
// plans to limits. It is safe for concurrent use.
type PlanRegistry struct {
	stripePrices    map[string]Plan
	paystackAmounts map[int64]Plan
	limits          map[Plan]Limits
}

// NewPlanRegistry copies and validates the given tables.
func NewPlanRegistry(config PlanRegistryConfig) (*PlanRegistry, error) {
	if len(config.Limits) == 0 {
		return nil, fmt.Errorf("%w: no plan limits", ErrPlanNotConfigured)
	}
	if _, ok := config.Limits[PlanFree]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotConfigured, PlanFree)
	}

	r := &PlanRegistry{
		stripePrices:    make(map[string]Plan, len(config.StripePrices)),
		paystackAmounts: make(map[int64]Plan, len(config.PaystackAmounts)),
		limits:          make(map[Plan]Limits, len(config.Limits)),
	}
	for plan, limits := range config.Limits {
		r.limits[plan] = limits
	}
	for priceID, plan := range config.StripePrices {
		if _, ok := r.limits[plan]; !ok {
			return nil, fmt.Errorf("%w: stripe price %s maps to %q", ErrPlanNotConfigured, priceID, plan)
		}
		r.stripePrices[priceID] = plan
	}
	for amount, plan := range config.PaystackAmounts {
		if _, ok := r.limits[plan]; !ok {
			return nil, fmt.Errorf("%w: paystack amount %d maps to %q", ErrPlanNotConfigured, amount, plan)
		}
		r.paystackAmounts[amount] = plan
	}
	return r, nil
}

// DefaultPlanRegistry returns a registry built from DefaultPlanRegistryConfig.
func DefaultPlanRegistry() *PlanRegistry {
	r, err := NewPlanRegistry(DefaultPlanRegistryConfig())
	if err != nil {
		panic(err)
	}
	return r
}

// PlanForStripePrice resolves a Stripe price ID.
func (r *PlanRegistry) PlanForStripePrice(priceID string) (Plan, bool) {
	plan, ok := r.stripePrices[priceID]
	return plan, ok
}

// PlanForPaystackAmount resolves a Paystack amount in kobo.
func (r *PlanRegistry) PlanForPaystackAmount(kobo int64) (Plan, bool) {
	plan, ok := r.paystackAmounts[kobo]
	return plan, ok
}

// Lookup resolves a provider specific plan key: a price ID for Stripe, an
// amount in kobo (decimal string) for Paystack.
func (r *PlanRegistry) Lookup(provider ProviderName, key string) (Plan, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	switch provider {
	case ProviderStripe:
		return r.PlanForStripePrice(key)
	case ProviderPaystack:
		kobo, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return "", false
		}
		return r.PlanForPaystackAmount(kobo)
	default:
		return "", false
	}
}

// StripePriceForPlan returns the first price ID (in sorted order) mapped to plan.
func (r *PlanRegistry) StripePriceForPlan(plan Plan) (string, bool) {
	var ids []string
	for id, p := range r.stripePrices {
		if p == plan {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// Known reports whether plan has limits configured.
func (r *PlanRegistry) Known(plan Plan) bool {
	_, ok := r.limits[plan]
	return ok
}

// Limits returns the entitlements of plan.
func (r *PlanRegistry) Limits(plan Plan) (Limits, bool) {
	l, ok := r.limits[plan]
	return l, ok
}

// LimitsOrFree returns the entitlements of plan, or the free plan's when the
// plan is empty or unknown.
func (r *PlanRegistry) LimitsOrFree(plan Plan) (Plan, Limits) {
	if l, ok := r.limits[plan]; ok {
		return plan, l
	}
	return PlanFree, r.limits[PlanFree]
}

// Plans lists configured plans sorted by name.
func (r *PlanRegistry) Plans() []Plan {
	out := make([]Plan, 0, len(r.limits))
	for p := range r.limits {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePlan normalizes user supplied plan names ("PRO " -> "pro").
func ParsePlan(s string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(s)))
}
