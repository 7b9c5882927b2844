// Package entitlements derives feature flags from an organization's plan and
// subscription state.
package entitlements

import (
	"context"
	"errors"
	"sort"
	"time"

	"tenantcore.io/internal/billing"
)

// Feature is a capability a plan may grant.
type Feature string

const (
	FeatureCore              Feature = "core"
	FeatureAPIAccess         Feature = "api_access"
	FeatureWebhooks          Feature = "webhooks"
	FeatureAuditLog          Feature = "audit_log"
	FeatureAdvancedAnalytics Feature = "advanced_analytics"
	FeatureSSO               Feature = "sso"
	FeatureCustomRoles       Feature = "custom_roles"
	FeaturePrioritySupport   Feature = "priority_support"
)

var planFeatures = map[billing.PlanTier][]Feature{
	billing.PlanFree: {FeatureCore},
	billing.PlanPro: {
		FeatureCore, FeatureAPIAccess, FeatureWebhooks, FeatureAuditLog,
	},
	billing.PlanEnterprise: {
		FeatureCore, FeatureAPIAccess, FeatureWebhooks, FeatureAuditLog,
		FeatureAdvancedAnalytics, FeatureSSO, FeatureCustomRoles, FeaturePrioritySupport,
	},
}

// Set is an immutable set of features.
type Set map[Feature]struct{}

// NewSet builds a Set from a list.
func NewSet(features ...Feature) Set {
	s := make(Set, len(features))
	for _, f := range features {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is granted.
func (s Set) Has(f Feature) bool {
	_, ok := s[f]
	return ok
}

// List returns the features sorted by name.
func (s Set) List() []Feature {
	out := make([]Feature, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns List as plain strings, the form embedded in tokens.
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, f := range list {
		out[i] = string(f)
	}
	return out
}

// Equal reports whether both sets grant the same features.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for f := range s {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

// Base is what an organization without a paying subscription gets.
func Base() Set {
	return NewSet(planFeatures[billing.PlanFree]...)
}

// ForPlan is the full feature set of a tier.
func ForPlan(p billing.PlanTier) Set {
	features, ok := planFeatures[p]
	if !ok {
		return Base()
	}
	return NewSet(features...)
}

// Compute is the entitlement function. past_due keeps the plan for grace
// after PastDueSince; canceled keeps it until PeriodEndsAt.
func Compute(sub billing.Subscription, now time.Time, grace time.Duration) Set {
	switch sub.State {
	case billing.StateTrialing, billing.StateActive:
		return ForPlan(sub.Plan)
	case billing.StatePastDue:
		if sub.PastDueSince != nil && now.Before(sub.PastDueSince.Add(grace)) {
			return ForPlan(sub.Plan)
		}
		return Base()
	case billing.StateCanceled:
		if sub.PeriodEndsAt != nil && now.Before(*sub.PeriodEndsAt) {
			return ForPlan(sub.Plan)
		}
		return Base()
	default:
		return Base()
	}
}

// Snapshot is what gets embedded in an access token.
type Snapshot struct {
	Plan     billing.PlanTier
	State    billing.State
	Features Set
}

// SubscriptionReader loads the subscription of an organization.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, orgID string) (billing.Subscription, error)
}

// Gate evaluates Compute against stored subscriptions.
type Gate struct {
	subs  SubscriptionReader
	grace time.Duration
	now   func() time.Time
}

// DefaultGrace is the past_due retention window when none is configured.
const DefaultGrace = 7 * 24 * time.Hour

// NewGate builds a Gate. grace <= 0 selects DefaultGrace.
func NewGate(subs SubscriptionReader, grace time.Duration, now func() time.Time) (*Gate, error) {
	if subs == nil {
		return nil, errors.New("entitlements: subscription reader is required")
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{subs: subs, grace: grace, now: now}, nil
}

// ForOrg returns the current snapshot for orgID.
func (g *Gate) ForOrg(ctx context.Context, orgID string) (Snapshot, error) {
	sub, err := g.subs.GetSubscription(ctx, orgID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Plan:     sub.Plan,
		State:    sub.State,
		Features: Compute(sub, g.now(), g.grace),
	}, nil
}

// Grace returns the configured past_due retention window.
func (g *Gate) Grace() time.Duration {
	return g.grace
}
