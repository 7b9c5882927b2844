package tokens

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/membership"
)

var (
	// ErrInvalidCredentials is returned by Login for any authentication failure.
	ErrInvalidCredentials = credentials.ErrInvalidCredentials

	ErrExpired         = apperr.New(apperr.KindAuth, "token_expired", "token has expired")
	ErrRevoked         = apperr.New(apperr.KindAuth, "token_revoked", "token has been revoked")
	ErrAlreadyRedeemed = apperr.New(apperr.KindConflict, "refresh_already_redeemed", "refresh token was redeemed concurrently")
	ErrReuseDetected   = apperr.New(apperr.KindAuth, "refresh_reuse_detected", "refresh token reuse detected; session revoked")
	ErrBadSignature    = apperr.New(apperr.KindAuth, "bad_signature", "token signature is invalid")
	ErrMalformed       = apperr.New(apperr.KindAuth, "malformed_token", "token is malformed")
	ErrNotMember       = apperr.New(apperr.KindForbidden, "not_a_member", "user is not a member of the organization")
	ErrRefreshNotFound = apperr.New(apperr.KindNotFound, "refresh_not_found", "refresh token not found")
)

const accessUse = "access"

// Claims is the payload of an access token.
type Claims struct {
	OrgID      string           `json:"org,omitempty"`
	Role       membership.Role  `json:"role,omitempty"`
	Plan       billing.PlanTier `json:"plan,omitempty"`
	SubState   billing.State    `json:"sst,omitempty"`
	Features   []string         `json:"ent,omitempty"`
	KeyVersion string           `json:"kv"`
	Use        string           `json:"use"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Entitlements returns the feature snapshot embedded in the token.
func (c *Claims) Entitlements() entitlements.Set {
	set := make(entitlements.Set, len(c.Features))
	for _, f := range c.Features {
		set[entitlements.Feature(f)] = struct{}{}
	}
	return set
}

// Pair is what login and refresh hand back to the client.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Claims           *Claims   `json:"-"`
}

// Credentials is the login input. OrgID selects the session scope; empty
// means the user's oldest membership.
type Credentials struct {
	Email    string
	Password string
	OrgID    string
}

// RefreshStatus is the lifecycle state of a refresh token. A redeemed token
// with ReplacedBy set has been superseded by that successor.
type RefreshStatus string

const (
	RefreshIssued   RefreshStatus = "issued"
	RefreshRedeemed RefreshStatus = "redeemed"
	RefreshRevoked  RefreshStatus = "revoked"
)

// RefreshToken is the stored form; the secret is kept only as a hash.
type RefreshToken struct {
	ID         string
	UserID     string
	OrgID      string
	TokenHash  string
	Status     RefreshStatus
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// RefreshStore persists refresh token chains.
type RefreshStore interface {
	CreateRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	// RotateRefreshToken marks id redeemed only if it is still issued and
	// inserts next, in one transaction. When the conditional update matches
	// nothing it returns ErrAlreadyRedeemed and inserts nothing.
	RotateRefreshToken(ctx context.Context, id string, next RefreshToken, at time.Time) error
	// RevokeRefreshChain revokes id and every token reachable through
	// ReplacedBy.
	RevokeRefreshChain(ctx context.Context, id string, at time.Time) (int, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) (int, error)
	PurgeRefreshTokens(ctx context.Context, expiredBefore time.Time) (int, error)
}

// Authenticator resolves users.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (credentials.User, error)
	Get(ctx context.Context, userID string) (credentials.User, error)
}

// MembershipLookup resolves a user's role in an organization.
type MembershipLookup interface {
	Get(ctx context.Context, orgID, userID string) (membership.Membership, error)
	ListForUser(ctx context.Context, userID string) ([]membership.Membership, error)
}

// EntitlementLookup resolves an organization's current plan snapshot.
type EntitlementLookup interface {
	ForOrg(ctx context.Context, orgID string) (entitlements.Snapshot, error)
}
