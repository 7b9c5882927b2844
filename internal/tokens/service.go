// Package tokens issues and verifies access tokens and rotates refresh token
// chains.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/ids"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultIssuer     = "tenantcore"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Keys         *KeySet
	Refresh      RefreshStore
	Users        Authenticator
	Members      MembershipLookup
	Entitlements EntitlementLookup
}

// Service issues token pairs.
type Service struct {
	deps Deps

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime. This is also the staleness
// bound of claims checked without a store read.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLeeway tolerates clock skew when validating exp and iat.
func WithLeeway(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("tokens: leeway must not be negative")
		}
		s.leeway = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(deps Deps, opts ...ServiceOption) (*Service, error) {
	if deps.Keys == nil || deps.Refresh == nil || deps.Users == nil || deps.Members == nil || deps.Entitlements == nil {
		return nil, errors.New("tokens: all dependencies are required")
	}
	svc := &Service{
		deps:       deps,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// Login authenticates and issues a pair scoped to creds.OrgID.
func (s *Service) Login(ctx context.Context, creds Credentials) (Pair, error) {
	user, err := s.deps.Users.Authenticate(ctx, creds.Email, creds.Password)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidCredentials) {
			_ = audit.LogEvent(ctx, "auth.login.failed", nil)
		}
		return Pair{}, err
	}
	pair, err := s.Issue(ctx, user.ID, creds.OrgID)
	if err != nil {
		return Pair{}, err
	}
	obs.TokensIssued("login")
	_ = audit.LogEvent(audit.WithActor(ctx, user.ID), "auth.login", map[string]any{"org_id": pair.Claims.OrgID})
	return pair, nil
}

// Issue mints a fresh chain for an already authenticated user.
func (s *Service) Issue(ctx context.Context, userID, orgID string) (Pair, error) {
	sc, err := s.scope(ctx, userID, orgID, true)
	if err != nil {
		return Pair{}, err
	}
	now := s.now().UTC()
	raw, rec, err := s.newRefreshToken(userID, sc.orgID, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.deps.Refresh.CreateRefreshToken(ctx, rec); err != nil {
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return s.pair(userID, sc, raw, rec, now)
}

// Refresh redeems raw for a new pair. Presenting an already redeemed token
// revokes the chain from that token forward.
func (s *Service) Refresh(ctx context.Context, raw string) (Pair, error) {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		obs.RefreshFailed("malformed")
		return Pair{}, err
	}
	now := s.now().UTC()

	switch rec.Status {
	case RefreshRevoked:
		obs.RefreshFailed("revoked")
		return Pair{}, ErrRevoked
	case RefreshRedeemed:
		return Pair{}, s.reuseDetected(ctx, rec, now)
	}
	if !now.Before(rec.ExpiresAt) {
		obs.RefreshFailed("expired")
		return Pair{}, ErrExpired
	}

	if _, err := s.deps.Users.Get(ctx, rec.UserID); err != nil {
		if errors.Is(err, credentials.ErrUserNotFound) {
			obs.RefreshFailed("revoked")
			return Pair{}, ErrRevoked
		}
		return Pair{}, err
	}
	sc, err := s.scope(ctx, rec.UserID, rec.OrgID, false)
	if err != nil {
		return Pair{}, err
	}

	nextRaw, next, err := s.newRefreshToken(rec.UserID, sc.orgID, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.deps.Refresh.RotateRefreshToken(ctx, rec.ID, next, now); err != nil {
		if errors.Is(err, ErrAlreadyRedeemed) {
			obs.RefreshFailed("already_redeemed")
			_ = audit.Security(audit.WithActor(ctx, rec.UserID), "auth.refresh.race", map[string]any{"token_id": rec.ID})
		}
		return Pair{}, err
	}
	obs.TokensIssued("refresh")
	return s.pair(rec.UserID, sc, nextRaw, next, now)
}

func (s *Service) reuseDetected(ctx context.Context, rec RefreshToken, now time.Time) error {
	n, err := s.deps.Refresh.RevokeRefreshChain(ctx, rec.ID, now)
	if err != nil {
		return fmt.Errorf("revoke chain after reuse: %w", err)
	}
	obs.RefreshReuse()
	obs.RefreshFailed("reuse_detected")
	_ = audit.Security(audit.WithActor(ctx, rec.UserID), "auth.refresh.reuse_detected", map[string]any{
		"token_id": rec.ID,
		"revoked":  n,
	})
	return ErrReuseDetected
}

// Logout revokes the chain of the presented token. Logging out twice is not
// an error.
func (s *Service) Logout(ctx context.Context, raw string) error {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		return err
	}
	if rec.Status == RefreshRevoked {
		return nil
	}
	if _, err := s.deps.Refresh.RevokeRefreshChain(ctx, rec.ID, s.now().UTC()); err != nil {
		return err
	}
	_ = audit.LogEvent(audit.WithActor(ctx, rec.UserID), "auth.logout", nil)
	return nil
}

// RevokeAll revokes every refresh token of userID. Access tokens already
// issued stay valid until they expire.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := s.deps.Refresh.RevokeUserRefreshTokens(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	_ = audit.Security(audit.WithActor(ctx, userID), "auth.sessions.revoked", map[string]any{"revoked": n})
	return n, nil
}

// PurgeExpired deletes refresh tokens that expired before cutoff.
func (s *Service) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deps.Refresh.PurgeRefreshTokens(ctx, cutoff)
}

// VerifyAccess validates an access token without touching the store.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(s.deps.Keys.algorithms()),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	tok, err := parser.ParseWithClaims(token, claims, s.deps.Keys.verificationKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, errUnknownKey),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrBadSignature
	case err != nil:
		return nil, ErrMalformed
	}
	if kid, _ := tok.Header["kid"].(string); kid != claims.KeyVersion {
		return nil, ErrBadSignature
	}
	if claims.Use != accessUse || claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// scope is the claim snapshot of a session.
type scope struct {
	orgID string
	role  membership.Role
	snap  *entitlements.Snapshot
}

// scope resolves the org context. strict makes a missing membership an
// error; otherwise the session silently loses its org scope.
func (s *Service) scope(ctx context.Context, userID, orgID string, strict bool) (scope, error) {
	var m membership.Membership
	if orgID == "" {
		list, err := s.deps.Members.ListForUser(ctx, userID)
		if err != nil {
			return scope{}, err
		}
		if len(list) == 0 {
			return scope{}, nil
		}
		m = list[0]
	} else {
		got, err := s.deps.Members.Get(ctx, orgID, userID)
		switch {
		case errors.Is(err, membership.ErrNotFound):
			if strict {
				return scope{}, ErrNotMember
			}
			return scope{}, nil
		case err != nil:
			return scope{}, err
		}
		m = got
	}
	snap, err := s.deps.Entitlements.ForOrg(ctx, m.OrgID)
	if err != nil {
		return scope{}, fmt.Errorf("entitlements for %s: %w", m.OrgID, err)
	}
	return scope{orgID: m.OrgID, role: m.Role, snap: &snap}, nil
}

func (s *Service) pair(userID string, sc scope, refreshRaw string, rec RefreshToken, now time.Time) (Pair, error) {
	key := s.deps.Keys.Active()
	exp := now.Add(s.accessTTL)
	claims := &Claims{
		OrgID:      sc.orgID,
		Role:       sc.role,
		KeyVersion: key.Version,
		Use:        accessUse,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if sc.snap != nil {
		claims.Plan = sc.snap.Plan
		claims.SubState = sc.snap.State
		claims.Features = sc.snap.Features.Strings()
	}
	tok := jwt.NewWithClaims(key.Method, claims)
	tok.Header["kid"] = key.Version
	signed, err := tok.SignedString(key.sign)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	return Pair{
		AccessToken:      signed,
		RefreshToken:     refreshRaw,
		TokenType:        "Bearer",
		AccessExpiresAt:  exp,
		RefreshExpiresAt: rec.ExpiresAt,
		Claims:           claims,
	}, nil
}

func (s *Service) lookup(ctx context.Context, raw string) (RefreshToken, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return RefreshToken{}, ErrMalformed
	}
	rec, err := s.deps.Refresh.GetRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return RefreshToken{}, ErrMalformed
		}
		return RefreshToken{}, err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return RefreshToken{}, ErrMalformed
	}
	return rec, nil
}

func (s *Service) newRefreshToken(userID, orgID string, now time.Time) (string, RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", RefreshToken{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := RefreshToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		OrgID:     orgID,
		TokenHash: hashSecret(secret),
		Status:    RefreshIssued,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", errors.New("invalid refresh token format")
	}
	return id, secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
