package tokens_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/store/memory"
	"tenantcore.io/internal/tokens"
)

const password = "Str0ng-Passw0rd"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	clock *clock
	store *memory.Store
	users *credentials.Service
	orgs  *membership.Registry
	keys  *tokens.KeySet
	svc   *tokens.Service
}

func secret(b byte) []byte {
	return []byte(strings.Repeat(string(rune('a'+b)), 40))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	users, err := credentials.NewService(store,
		credentials.WithHashParams(credentials.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1}),
		credentials.WithClock(c.Now),
	)
	require.NoError(t, err)
	orgs, err := membership.NewRegistry(store, membership.WithClock(c.Now))
	require.NoError(t, err)
	gate, err := entitlements.NewGate(store, 0, c.Now)
	require.NoError(t, err)
	key, err := tokens.NewHMACKey("v1", secret(0))
	require.NoError(t, err)
	keys, err := tokens.NewKeySet(key)
	require.NoError(t, err)

	svc, err := tokens.NewService(tokens.Deps{
		Keys:         keys,
		Refresh:      store,
		Users:        users,
		Members:      orgs,
		Entitlements: gate,
	},
		tokens.WithIssuer("tenantcore-test"),
		tokens.WithAccessTTL(15*time.Minute),
		tokens.WithRefreshTTL(24*time.Hour),
		tokens.WithClock(c.Now),
	)
	require.NoError(t, err)
	return &env{clock: c, store: store, users: users, orgs: orgs, keys: keys, svc: svc}
}

func (e *env) register(t *testing.T, email string) credentials.User {
	t.Helper()
	u, err := e.users.CreateUser(context.Background(), email, password)
	require.NoError(t, err)
	return u
}

func (e *env) login(t *testing.T, email string) tokens.Pair {
	t.Helper()
	pair, err := e.svc.Login(context.Background(), tokens.Credentials{Email: email, Password: password})
	require.NoError(t, err)
	return pair
}

func TestLoginEmbedsMembershipSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, "alice@example.com")
	org, _, err := e.orgs.CreateOrganization(ctx, "Acme", u.ID)
	require.NoError(t, err)

	pair := e.login(t, "alice@example.com")
	claims, err := e.svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID())
	assert.Equal(t, org.ID, claims.OrgID)
	assert.Equal(t, membership.RoleOwner, claims.Role)
	assert.Equal(t, billing.PlanFree, claims.Plan)
	assert.Equal(t, billing.StateNone, claims.SubState)
	assert.True(t, claims.Entitlements().Equal(entitlements.Base()))
	assert.Equal(t, "v1", claims.KeyVersion)
	assert.Equal(t, "Bearer", pair.TokenType)
}

func TestLoginWithoutOrgAndWithForeignOrg(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "solo@example.com")
	other := e.register(t, "other@example.com")
	foreign, _, err := e.orgs.CreateOrganization(ctx, "Other", other.ID)
	require.NoError(t, err)

	pair := e.login(t, "solo@example.com")
	claims, err := e.svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, claims.OrgID)
	assert.Empty(t, claims.Features)

	_, err = e.svc.Login(ctx, tokens.Credentials{Email: "solo@example.com", Password: password, OrgID: foreign.ID})
	assert.ErrorIs(t, err, tokens.ErrNotMember)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newEnv(t)
	e.register(t, "bob@example.com")
	_, err := e.svc.Login(context.Background(), tokens.Credentials{Email: "bob@example.com", Password: "nope-nope-nope"})
	assert.ErrorIs(t, err, tokens.ErrInvalidCredentials)
}

func TestAccessTokenExpires(t *testing.T) {
	e := newEnv(t)
	e.register(t, "carol@example.com")
	pair := e.login(t, "carol@example.com")

	e.clock.Advance(15*time.Minute + time.Second)
	_, err := e.svc.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, tokens.ErrExpired)

	next, err := e.svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	_, err = e.svc.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
}

func TestVerifyAccessRejectsTampering(t *testing.T) {
	e := newEnv(t)
	e.register(t, "dan@example.com")
	pair := e.login(t, "dan@example.com")

	parts := strings.Split(pair.AccessToken, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	sig[0] ^= 0x01
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	_, err := e.svc.VerifyAccess(tampered)
	assert.True(t, errors.Is(err, tokens.ErrBadSignature) || errors.Is(err, tokens.ErrMalformed), "got %v", err)

	_, err = e.svc.VerifyAccess("not.a.jwt")
	assert.ErrorIs(t, err, tokens.ErrMalformed)

	claims := *pair.Claims
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tok.Header["kid"] = "v1"
	forged, err := tok.SignedString(secret(7))
	require.NoError(t, err)
	_, err = e.svc.VerifyAccess(forged)
	assert.ErrorIs(t, err, tokens.ErrBadSignature)

	tok = jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tok.Header["kid"] = "v9"
	unknown, err := tok.SignedString(secret(0))
	require.NoError(t, err)
	_, err = e.svc.VerifyAccess(unknown)
	assert.ErrorIs(t, err, tokens.ErrBadSignature)
}

func TestKeyRotationKeepsOldTokensValid(t *testing.T) {
	e := newEnv(t)
	e.register(t, "erin@example.com")
	old := e.login(t, "erin@example.com")

	next, err := tokens.NewHMACKey("v2", secret(1))
	require.NoError(t, err)
	require.NoError(t, e.keys.Rotate(next, e.clock.Now()))

	fresh := e.login(t, "erin@example.com")
	claims, err := e.svc.VerifyAccess(fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "v2", claims.KeyVersion)

	_, err = e.svc.VerifyAccess(old.AccessToken)
	require.NoError(t, err, "retired key still verifies")

	e.clock.Advance(10 * time.Minute)
	dropped := e.keys.Prune(e.clock.Now(), 15*time.Minute)
	assert.Empty(t, dropped)
	e.clock.Advance(6 * time.Minute)
	dropped = e.keys.Prune(e.clock.Now(), 15*time.Minute)
	assert.Equal(t, []string{"v1"}, dropped)
	assert.Equal(t, []string{"v2"}, e.keys.Versions())
}

func TestRefreshRotates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "fay@example.com")
	first := e.login(t, "fay@example.com")

	second, err := e.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	third, err := e.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)
}

func TestRefreshReuseRevokesChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "gus@example.com")
	first := e.login(t, "gus@example.com")

	second, err := e.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = e.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrReuseDetected)

	_, err = e.svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrRevoked, "newest token of a compromised chain is dead")
}

func TestRefreshFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, "hal@example.com")
	pair := e.login(t, "hal@example.com")

	for _, raw := range []string{"", "garbage", "id.", ".secret", "a.b.c"} {
		_, err := e.svc.Refresh(ctx, raw)
		assert.ErrorIs(t, err, tokens.ErrMalformed, "raw %q", raw)
	}
	id, _, _ := strings.Cut(pair.RefreshToken, ".")
	_, err := e.svc.Refresh(ctx, id+".wrongsecret")
	assert.ErrorIs(t, err, tokens.ErrMalformed)

	e.clock.Advance(25 * time.Hour)
	_, err = e.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrExpired)

	pair = e.login(t, "hal@example.com")
	require.NoError(t, e.users.DeleteUser(ctx, u.ID))
	_, err = e.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrRevoked)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "ivy@example.com")
	pair := e.login(t, "ivy@example.com")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		other   []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			other = append(other, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	for _, err := range other {
		ok := errors.Is(err, tokens.ErrAlreadyRedeemed) ||
			errors.Is(err, tokens.ErrReuseDetected) ||
			errors.Is(err, tokens.ErrRevoked)
		assert.True(t, ok, "unexpected error %v", err)
	}
}

func TestLogoutAndRevokeAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, "jo@example.com")
	a := e.login(t, "jo@example.com")
	b := e.login(t, "jo@example.com")

	require.NoError(t, e.svc.Logout(ctx, a.RefreshToken))
	require.NoError(t, e.svc.Logout(ctx, a.RefreshToken), "logout is idempotent")
	_, err := e.svc.Refresh(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrRevoked)

	n, err := e.svc.RevokeAll(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = e.svc.Refresh(ctx, b.RefreshToken)
	assert.ErrorIs(t, err, tokens.ErrRevoked)
}

func TestRefreshPicksUpNewRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.register(t, "owner@example.com")
	member := e.register(t, "member@example.com")
	org, _, err := e.orgs.CreateOrganization(ctx, "Acme", owner.ID)
	require.NoError(t, err)
	_, err = e.orgs.AddMember(ctx, org.ID, member.ID, membership.RoleMember)
	require.NoError(t, err)

	pair, err := e.svc.Login(ctx, tokens.Credentials{Email: "member@example.com", Password: password, OrgID: org.ID})
	require.NoError(t, err)
	assert.Equal(t, membership.RoleMember, pair.Claims.Role)

	_, err = e.orgs.ChangeRole(ctx, org.ID, member.ID, membership.RoleAdmin)
	require.NoError(t, err)
	next, err := e.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, membership.RoleAdmin, next.Claims.Role)

	require.NoError(t, e.orgs.RemoveMember(ctx, org.ID, member.ID))
	last, err := e.svc.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, last.Claims.OrgID, "lost membership drops the org scope")
}

func TestPurgeExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "kim@example.com")
	e.login(t, "kim@example.com")
	e.login(t, "kim@example.com")

	n, err := e.svc.PurgeExpired(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = e.svc.PurgeExpired(ctx, e.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	_, ok := tokens.ClaimsFromContext(ctx)
	assert.False(t, ok)
	claims := &tokens.Claims{KeyVersion: "v1"}
	got, ok := tokens.ClaimsFromContext(tokens.ContextWithClaims(ctx, claims))
	require.True(t, ok)
	assert.Same(t, claims, got)

	raw, ok := tokens.TokenFromContext(tokens.ContextWithToken(ctx, "abc"))
	require.True(t, ok)
	assert.Equal(t, "abc", raw)
}
