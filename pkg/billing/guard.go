package billing

import (
	"context"
	"errors"
	"fmt"
)

// Resource is a plan limited kind of connection.
type Resource string

const (
	ResourceDiscord  Resource = "discord"
	ResourceTelegram Resource = "telegram"
)

// ErrUnknownResource is returned for resources without a plan limit.
var ErrUnknownResource = errors.New("unknown plan limited resource")

// ParseResource validates a resource name.
func ParseResource(s string) (Resource, error) {
	switch r := Resource(s); r {
	case ResourceDiscord, ResourceTelegram:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
	}
}

// Limit returns the limit of r in l.
func (r Resource) Limit(l Limits) int {
	switch r {
	case ResourceDiscord:
		return l.MaxGuilds
	case ResourceTelegram:
		return l.MaxTelegramGroups
	default:
		return 0
	}
}

func (r Resource) unit() string {
	switch r {
	case ResourceDiscord:
		return "Discord servers"
	case ResourceTelegram:
		return "Telegram groups"
	default:
		return string(r)
	}
}

// Decision is the outcome of a plan limit check.
type Decision struct {
	Allowed  bool
	Resource Resource
	Plan     Plan
	Limit    int
	Current  int
}

// Message is the user facing text for a denied decision.
func (d Decision) Message() string {
	return fmt.Sprintf("Plan limit reached (%d %s allowed for %s plan)", d.Limit, d.Resource.unit(), d.Plan)
}

// PlanGuard checks a user's connection counts against their plan limits.
type PlanGuard struct {
	users  UserStore
	plans  *PlanRegistry
	logger Logger
}

// NewPlanGuard creates a PlanGuard.
func NewPlanGuard(users UserStore, plans *PlanRegistry, logger Logger) (*PlanGuard, error) {
	if users == nil || plans == nil {
		return nil, fmt.Errorf("%w: plan guard needs users and plans", ErrProviderNotConfigured)
	}
	return &PlanGuard{users: users, plans: plans, logger: loggerOrNoop(logger)}, nil
}

// Check loads the user and compares current against the limit of their plan.
// A user without a plan, or with one the registry does not know, gets the
// free plan's limits. ErrUserNotFound is returned unchanged.
func (g *PlanGuard) Check(ctx context.Context, userID string, resource Resource, current int) (Decision, error) {
	if _, err := ParseResource(string(resource)); err != nil {
		return Decision{}, err
	}

	u, err := g.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Decision{}, err
		}
		return Decision{}, &StorageError{Op: "get user", UserID: userID, Err: err}
	}

	plan, limits := g.plans.LimitsOrFree(u.Plan)
	if plan != u.Plan && u.Plan != "" {
		g.logger.Warn("user has unknown plan, applying free limits",
			Field{"userId", userID}, Field{"plan", u.Plan})
	}

	d := Decision{
		Resource: resource,
		Plan:     plan,
		Limit:    resource.Limit(limits),
		Current:  current,
	}
	d.Allowed = current < d.Limit
	return d, nil
}

// Entitlements is a user's effective plan and limits.
type Entitlements struct {
	UserID       string `json:"userId"`
	Plan         Plan   `json:"plan"`
	IsSubscribed bool   `json:"isSubscribed"`
	Limits       Limits `json:"limits"`
}

// Entitlements returns the effective plan and limits of a user.
func (g *PlanGuard) Entitlements(ctx context.Context, userID string) (*Entitlements, error) {
	u, err := g.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get user", UserID: userID, Err: err}
	}
	plan, limits := g.plans.LimitsOrFree(u.Plan)
	return &Entitlements{UserID: u.ID, Plan: plan, IsSubscribed: u.IsSubscribed, Limits: limits}, nil
}
