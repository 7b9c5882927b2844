// Package guard decides whether the holder of an access token may perform an
// organization-scoped operation.
//
// Fast decisions trust the claims embedded in the token, so a role or plan
// change becomes visible only once the token is refreshed: the staleness
// bound is the access token TTL. Strict decisions re-read membership and
// entitlements and deny with ReasonStaleClaims when the token disagrees with
// current state or the read does not finish within the strict timeout.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/tokens"
)

// Mode selects the freshness policy of a decision.
type Mode uint8

const (
	Fast Mode = iota
	Strict
)

func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "fast"
}

// Reason explains a deny.
type Reason string

const (
	ReasonInsufficientRole Reason = "insufficient_role"
	ReasonPlanNotEntitled  Reason = "plan_not_entitled"
	ReasonStaleClaims      Reason = "stale_claims"
	ReasonOrgMismatch      Reason = "org_mismatch"
)

var (
	ErrInsufficientRole = apperr.New(apperr.KindForbidden, string(ReasonInsufficientRole), "role does not permit this operation")
	ErrPlanNotEntitled  = apperr.New(apperr.KindForbidden, string(ReasonPlanNotEntitled), "current plan does not include this feature")
	ErrStaleClaims      = apperr.New(apperr.KindAuth, string(ReasonStaleClaims), "token claims are out of date; refresh and retry")
	ErrOrgMismatch      = apperr.New(apperr.KindForbidden, string(ReasonOrgMismatch), "token is scoped to another organization")
)

// Requirement is what an operation demands. A zero MinRole or Feature means
// that dimension is not checked.
type Requirement struct {
	OrgID   string
	MinRole membership.Role
	Feature entitlements.Feature
	Mode    Mode
}

// Decision is the outcome of Authorize. Cause carries the underlying error
// when a strict read failed.
type Decision struct {
	Allowed bool
	Reason  Reason
	Cause   error
}

// Err converts a deny into its sentinel, nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var base error
	switch d.Reason {
	case ReasonInsufficientRole:
		base = ErrInsufficientRole
	case ReasonPlanNotEntitled:
		base = ErrPlanNotEntitled
	case ReasonOrgMismatch:
		base = ErrOrgMismatch
	default:
		base = ErrStaleClaims
	}
	if d.Cause != nil {
		return fmt.Errorf("%w: %v", base, d.Cause)
	}
	return base
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason, cause error) Decision { return Decision{Reason: r, Cause: cause} }

// MembershipReader is the registry view the guard needs.
type MembershipReader interface {
	Get(ctx context.Context, orgID, userID string) (membership.Membership, error)
}

// EntitlementReader is the gate view the guard needs.
type EntitlementReader interface {
	ForOrg(ctx context.Context, orgID string) (entitlements.Snapshot, error)
}

// DefaultStrictTimeout bounds the store reads of a strict decision.
const DefaultStrictTimeout = 2 * time.Second

// Guard evaluates requirements.
type Guard struct {
	members       MembershipReader
	entitlements  EntitlementReader
	strictTimeout time.Duration
	tracer        trace.Tracer
}

// Option configures a Guard.
type Option func(*Guard)

// WithStrictTimeout overrides DefaultStrictTimeout.
func WithStrictTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.strictTimeout = d
		}
	}
}

// New wires a Guard.
func New(members MembershipReader, ents EntitlementReader, opts ...Option) (*Guard, error) {
	if members == nil || ents == nil {
		return nil, errors.New("guard: membership and entitlement readers are required")
	}
	g := &Guard{
		members:       members,
		entitlements:  ents,
		strictTimeout: DefaultStrictTimeout,
		tracer:        obs.Tracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize decides req for claims.
func (g *Guard) Authorize(ctx context.Context, claims *tokens.Claims, req Requirement) Decision {
	var d Decision
	if req.Mode == Strict {
		d = g.strict(ctx, claims, req)
	} else {
		d = fast(claims, req)
	}
	g.observe(ctx, claims, req, d)
	return d
}

func fast(claims *tokens.Claims, req Requirement) Decision {
	if claims == nil {
		return deny(ReasonStaleClaims, errors.New("no claims"))
	}
	if req.OrgID != "" && claims.OrgID != req.OrgID {
		return deny(ReasonOrgMismatch, nil)
	}
	if req.MinRole != 0 && !claims.Role.Satisfies(req.MinRole) {
		return deny(ReasonInsufficientRole, nil)
	}
	if req.Feature != "" && !claims.Entitlements().Has(req.Feature) {
		return deny(ReasonPlanNotEntitled, nil)
	}
	return allow()
}

func (g *Guard) strict(ctx context.Context, claims *tokens.Claims, req Requirement) Decision {
	if claims == nil {
		return deny(ReasonStaleClaims, errors.New("no claims"))
	}
	if req.OrgID != "" && claims.OrgID != req.OrgID {
		return deny(ReasonOrgMismatch, nil)
	}
	orgID := claims.OrgID
	if orgID == "" {
		return deny(ReasonStaleClaims, errors.New("token has no organization scope"))
	}

	ctx, span := g.tracer.Start(ctx, "guard.Strict")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, g.strictTimeout)
	defer cancel()

	m, err := g.members.Get(ctx, orgID, claims.UserID())
	switch {
	case errors.Is(err, membership.ErrNotFound):
		return deny(ReasonStaleClaims, err)
	case err != nil:
		span.RecordError(err)
		return deny(ReasonStaleClaims, err)
	}
	snap, err := g.entitlements.ForOrg(ctx, orgID)
	if err != nil {
		span.RecordError(err)
		return deny(ReasonStaleClaims, err)
	}
	if m.Role != claims.Role || !snap.Features.Equal(claims.Entitlements()) {
		return deny(ReasonStaleClaims, nil)
	}
	if req.MinRole != 0 && !m.Role.Satisfies(req.MinRole) {
		return deny(ReasonInsufficientRole, nil)
	}
	if req.Feature != "" && !snap.Features.Has(req.Feature) {
		return deny(ReasonPlanNotEntitled, nil)
	}
	return allow()
}

func (g *Guard) observe(ctx context.Context, claims *tokens.Claims, req Requirement, d Decision) {
	result := "allow"
	if !d.Allowed {
		result = string(d.Reason)
	}
	obs.AuthzDecision(req.Mode.String(), result)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("authz.mode", req.Mode.String()),
		attribute.String("authz.result", result),
	)
	if d.Allowed {
		return
	}
	entry := obs.Logger().WithFields(map[string]any{
		"mode":     req.Mode.String(),
		"reason":   string(d.Reason),
		"org_id":   req.OrgID,
		"min_role": req.MinRole.String(),
		"feature":  string(req.Feature),
	})
	if claims != nil {
		entry = entry.WithField("user_id", claims.UserID())
	}
	if d.Cause != nil {
		entry = entry.WithError(d.Cause)
	}
	entry.Info("authorization denied")
}
