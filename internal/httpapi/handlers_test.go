package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/guard"
	"tenantcore.io/internal/ids"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/ratelimit"
	"tenantcore.io/internal/store/memory"
	"tenantcore.io/internal/tokens"
)

const (
	testPassword  = "Str0ng-Passw0rd"
	webhookSecret = "whsec_http_test"
)

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

type testAPI struct {
	t      *testing.T
	clock  *clock
	store  *memory.Store
	srv    *httptest.Server
	client *http.Client
}

type resp struct {
	Code   int
	Header http.Header
	Body   map[string]any
}

func (r resp) str(key string) string {
	s, _ := r.Body[key].(string)
	return s
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := memory.New()

	users, err := credentials.NewService(store,
		credentials.WithHashParams(credentials.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1}),
		credentials.WithClock(c.Now),
	)
	require.NoError(t, err)
	orgs, err := membership.NewRegistry(store, membership.WithClock(c.Now))
	require.NoError(t, err)
	gate, err := entitlements.NewGate(store, 7*24*time.Hour, c.Now)
	require.NoError(t, err)
	key, err := tokens.NewHMACKey("v1", []byte(strings.Repeat("k", 40)))
	require.NoError(t, err)
	keys, err := tokens.NewKeySet(key)
	require.NoError(t, err)
	tok, err := tokens.NewService(tokens.Deps{Keys: keys, Refresh: store, Users: users, Members: orgs, Entitlements: gate},
		tokens.WithIssuer("tenantcore-test"),
		tokens.WithAccessTTL(15*time.Minute),
		tokens.WithRefreshTTL(24*time.Hour),
		tokens.WithClock(c.Now),
	)
	require.NoError(t, err)
	g, err := guard.New(orgs, gate, guard.WithStrictTimeout(time.Second))
	require.NoError(t, err)
	verifier, err := billing.NewVerifier([]string{webhookSecret}, 5*time.Minute, c.Now)
	require.NoError(t, err)
	rec, err := billing.NewReconciler(store, verifier, billing.WithClock(c.Now))
	require.NoError(t, err)

	api, err := New(Deps{
		Users:        users,
		Tokens:       tok,
		Orgs:         orgs,
		Guard:        g,
		Billing:      rec,
		Entitlements: gate,
		Keys:         keys,
		Ready:        ReadyProbe{Checks: map[string]Pinger{"store": store}},
	}, append([]Option{WithVersion("test"), WithRetries(0, 0)}, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, clock: c, store: store, srv: srv, client: srv.Client()}
}

func (a *testAPI) do(method, path, token string, body any) resp {
	a.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(a.t, err)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader(payload))
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer res.Body.Close()

	out := resp{Code: res.StatusCode, Header: res.Header}
	if res.ContentLength != 0 && res.StatusCode != http.StatusNoContent {
		var m map[string]any
		if err := json.NewDecoder(res.Body).Decode(&m); err == nil {
			out.Body = m
		}
	}
	return out
}

// session is the pair and ids returned by register or login.
type session struct {
	access, refresh, userID, orgID string
}

func (a *testAPI) register(email, orgName string) session {
	a.t.Helper()
	body := map[string]any{"email": email, "password": testPassword}
	if orgName != "" {
		body["organization_name"] = orgName
	}
	r := a.do(http.MethodPost, "/auth/register", "", body)
	require.Equal(a.t, http.StatusCreated, r.Code, r.Body)
	s := session{access: r.str("access_token"), refresh: r.str("refresh_token")}
	s.userID, _ = r.Body["user"].(map[string]any)["id"].(string)
	if org, ok := r.Body["organization"].(map[string]any); ok {
		s.orgID, _ = org["id"].(string)
	}
	require.NotEmpty(a.t, s.access)
	require.NotEmpty(a.t, s.refresh)
	return s
}

func (a *testAPI) login(email, orgID string) session {
	a.t.Helper()
	r := a.do(http.MethodPost, "/auth/login", "", map[string]any{"email": email, "password": testPassword, "org_id": orgID})
	require.Equal(a.t, http.StatusOK, r.Code, r.Body)
	return session{access: r.str("access_token"), refresh: r.str("refresh_token"), orgID: orgID}
}

func (a *testAPI) refresh(raw string) resp {
	a.t.Helper()
	return a.do(http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": raw})
}

func (a *testAPI) webhook(id, typ string, object map[string]any) resp {
	a.t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": a.clock.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(a.t, err)
	return a.signed(raw, billing.Sign(webhookSecret, a.clock.Now(), raw))
}

func (a *testAPI) signed(raw []byte, sig string) resp {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/billing/webhook", bytes.NewReader(raw))
	require.NoError(a.t, err)
	req.Header.Set(billing.SignatureHeader, sig)
	res, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer res.Body.Close()
	out := resp{Code: res.StatusCode, Header: res.Header}
	_ = json.NewDecoder(res.Body).Decode(&out.Body)
	return out
}

func TestRegisterLoginRefreshFlow(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("ada@example.com", "Analytical Engines")
	require.NotEmpty(t, s.orgID)

	me := api.do(http.MethodGet, "/users/me", s.access, nil)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "ada@example.com", me.Body["user"].(map[string]any)["email"])
	assert.NotContains(t, me.Body["user"], "password_hash")
	require.Len(t, me.Body["memberships"], 1)
	sess := me.Body["session"].(map[string]any)
	assert.Equal(t, s.orgID, sess["org_id"])
	assert.Equal(t, "owner", sess["role"])
	assert.Equal(t, []any{"core"}, sess["features"])

	login := api.login("ADA@example.com", "")
	assert.NotEqual(t, s.refresh, login.refresh)

	api.clock.Advance(16 * time.Minute)
	expired := api.do(http.MethodGet, "/users/me", s.access, nil)
	assert.Equal(t, http.StatusUnauthorized, expired.Code)
	assert.Equal(t, "token_expired", expired.str("error"))
	assert.NotEmpty(t, expired.Header.Get("WWW-Authenticate"))

	next := api.refresh(s.refresh)
	require.Equal(t, http.StatusOK, next.Code, next.Body)
	fresh := next.str("access_token")
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/users/me", fresh, nil).Code)

	reused := api.refresh(s.refresh)
	assert.Equal(t, http.StatusUnauthorized, reused.Code)
	assert.Equal(t, "refresh_reuse_detected", reused.str("error"))

	// The successor was revoked with the rest of the chain.
	assert.Equal(t, http.StatusUnauthorized, api.refresh(next.str("refresh_token")).Code)
	// Other sessions are untouched.
	assert.Equal(t, http.StatusOK, api.refresh(login.refresh).Code)
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	api.register("grace@example.com", "")

	dup := api.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "Grace@example.com", "password": testPassword})
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "email_taken", dup.str("error"))

	weak := api.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "new@example.com", "password": "short"})
	assert.Equal(t, http.StatusUnprocessableEntity, weak.Code)
	assert.Equal(t, "weak_password", weak.str("error"))

	missing := api.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "new@example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, missing.Code)
	assert.Equal(t, "invalid_request", missing.str("error"))

	garbage := api.do(http.MethodPost, "/auth/register", "", []byte(`{"email":`))
	assert.Equal(t, http.StatusBadRequest, garbage.Code)
	assert.Equal(t, "invalid_json", garbage.str("error"))
	assert.NotEmpty(t, garbage.str("request_id"))

	unknown := api.do(http.MethodPost, "/auth/register", "", map[string]any{"email": "x@example.com", "password": testPassword, "admin": true})
	assert.Equal(t, http.StatusBadRequest, unknown.Code)
}

func TestLoginFailures(t *testing.T) {
	api := newTestAPI(t)
	owner := api.register("owner@example.com", "Acme")
	api.register("other@example.com", "")

	bad := api.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "owner@example.com", "password": "Wr0ng-Passw0rd!"})
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
	assert.Equal(t, "invalid_credentials", bad.str("error"))

	foreign := api.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "other@example.com", "password": testPassword, "org_id": owner.orgID})
	assert.Equal(t, http.StatusForbidden, foreign.Code)
	assert.Equal(t, "not_a_member", foreign.str("error"))
}

func TestWebhookDrivesEntitlements(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("ops@example.com", "Acme")
	path := "/orgs/" + s.orgID + "/entitlements"

	before := api.do(http.MethodGet, path, s.access, nil)
	require.Equal(t, http.StatusOK, before.Code)
	assert.Equal(t, "free", before.str("plan"))
	assert.Equal(t, []any{"core"}, before.Body["features"])

	obj := map[string]any{"metadata": map[string]any{"org_id": s.orgID}, "plan": "pro", "customer": "cus_42"}
	res := api.webhook("evt_1", "checkout.session.completed", obj)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "evt_1", res.str("event_id"))
	assert.Equal(t, "applied", res.str("outcome"))

	after := api.do(http.MethodGet, path, s.access, nil)
	require.Equal(t, http.StatusOK, after.Code)
	assert.Equal(t, "pro", after.str("plan"))
	assert.Equal(t, "active", after.str("subscription_state"))
	assert.Contains(t, after.Body["features"], "audit_log")

	dup := api.webhook("evt_1", "checkout.session.completed", obj)
	assert.Equal(t, http.StatusOK, dup.Code)
	assert.Equal(t, "duplicate", dup.str("outcome"))

	unhandled := api.webhook("evt_2", "customer.created", map[string]any{})
	assert.Equal(t, http.StatusOK, unhandled.Code)
	assert.Equal(t, "unhandled", unhandled.str("outcome"))
}

func TestWebhookRejections(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("ops@example.com", "Acme")

	raw := []byte(`{"id":"evt_9","type":"invoice.paid","created":1,"data":{"object":{}}}`)
	forged := api.signed(raw, billing.Sign("not-the-secret", api.clock.Now(), raw))
	assert.Equal(t, http.StatusBadRequest, forged.Code)
	assert.Equal(t, "invalid_signature", forged.str("error"))

	unsigned := api.signed(raw, "")
	assert.Equal(t, http.StatusBadRequest, unsigned.Code)

	unknown := api.webhook("evt_10", "invoice.paid", map[string]any{"metadata": map[string]any{"org_id": ids.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, unknown.Code)
	assert.Equal(t, "unknown_org", unknown.str("error"))

	malformed := []byte(`{"type":"invoice.paid"}`)
	bad := api.signed(malformed, billing.Sign(webhookSecret, api.clock.Now(), malformed))
	assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
	assert.Equal(t, "malformed_event", bad.str("error"))

	sub := api.do(http.MethodGet, "/orgs/"+s.orgID+"/subscription", s.access, nil)
	require.Equal(t, http.StatusOK, sub.Code)
	assert.Equal(t, "none", sub.str("state"))
}

func TestMembershipAndStrictGuard(t *testing.T) {
	api := newTestAPI(t)
	owner := api.register("owner@example.com", "Acme")
	member := api.register("member@example.com", "")
	members := "/orgs/" + owner.orgID + "/members"

	added := api.do(http.MethodPost, members, owner.access, map[string]any{"email": "member@example.com"})
	require.Equal(t, http.StatusCreated, added.Code, added.Body)
	assert.Equal(t, "member", added.str("role"))

	again := api.do(http.MethodPost, members, owner.access, map[string]any{"user_id": member.userID})
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "already_member", again.str("error"))

	nobody := api.do(http.MethodPost, members, owner.access, map[string]any{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, nobody.Code)

	ms := api.login("member@example.com", owner.orgID)
	list := api.do(http.MethodGet, members, ms.access, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, list.Body["members"], 2)

	denied := api.do(http.MethodPost, members, ms.access, map[string]any{"user_id": owner.userID})
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, "insufficient_role", denied.str("error"))

	promoted := api.do(http.MethodPatch, members+"/"+member.userID, owner.access, map[string]any{"role": "admin"})
	require.Equal(t, http.StatusOK, promoted.Code, promoted.Body)
	assert.Equal(t, "admin", promoted.str("role"))

	// Fast checks trust the old token; strict ones see the promotion.
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, members, ms.access, nil).Code)
	stale := api.do(http.MethodGet, "/orgs/"+owner.orgID+"/subscription", ms.access, nil)
	assert.Equal(t, http.StatusUnauthorized, stale.Code)
	assert.Equal(t, "stale_claims", stale.str("error"))

	next := api.refresh(ms.refresh)
	require.Equal(t, http.StatusOK, next.Code)
	adminToken := next.str("access_token")
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/orgs/"+owner.orgID+"/subscription", adminToken, nil).Code)

	// Admins cannot mint or remove owners.
	mint := api.do(http.MethodPost, members, adminToken, map[string]any{"email": "owner@example.com", "role": "owner"})
	assert.Equal(t, http.StatusForbidden, mint.Code)
	kick := api.do(http.MethodDelete, members+"/"+owner.userID, adminToken, nil)
	assert.Equal(t, http.StatusForbidden, kick.Code)

	badRole := api.do(http.MethodPatch, members+"/"+member.userID, owner.access, map[string]any{"role": "emperor"})
	assert.Equal(t, http.StatusUnprocessableEntity, badRole.Code)
	assert.Equal(t, "invalid_role", badRole.str("error"))

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, members+"/"+member.userID, owner.access, nil).Code)
	gone := api.do(http.MethodGet, members, adminToken, nil)
	assert.Equal(t, http.StatusOK, gone.Code, "fast checks keep trusting the token until it expires")
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/orgs/"+owner.orgID+"/subscription", adminToken, nil).Code)
}

func TestLastOwnerIsProtected(t *testing.T) {
	api := newTestAPI(t)
	owner := api.register("solo@example.com", "Solo")
	self := "/orgs/" + owner.orgID + "/members/" + owner.userID

	demote := api.do(http.MethodPatch, self, owner.access, map[string]any{"role": "member"})
	assert.Equal(t, http.StatusConflict, demote.Code)
	assert.Equal(t, "last_owner", demote.str("error"))

	leave := api.do(http.MethodDelete, self, owner.access, nil)
	assert.Equal(t, http.StatusConflict, leave.Code)
}

func TestOrgScopeMismatch(t *testing.T) {
	api := newTestAPI(t)
	a := api.register("a@example.com", "A")
	b := api.register("b@example.com", "B")

	r := api.do(http.MethodGet, "/orgs/"+b.orgID+"/members", a.access, nil)
	assert.Equal(t, http.StatusForbidden, r.Code)
	assert.Equal(t, "org_mismatch", r.str("error"))

	noAuth := api.do(http.MethodGet, "/orgs/"+a.orgID+"/members", "", nil)
	assert.Equal(t, http.StatusUnauthorized, noAuth.Code)
	assert.Equal(t, "missing_token", noAuth.str("error"))

	tampered := api.do(http.MethodGet, "/users/me", a.access+"x", nil)
	assert.Equal(t, http.StatusUnauthorized, tampered.Code)
}

func TestCreateOrgIssuesScopedSession(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("founder@example.com", "")

	created := api.do(http.MethodPost, "/orgs", s.access, map[string]any{"name": "Second Co"})
	require.Equal(t, http.StatusCreated, created.Code, created.Body)
	org := created.Body["organization"].(map[string]any)
	assert.Equal(t, "owner", created.str("role"))

	token := created.str("access_token")
	r := api.do(http.MethodGet, "/orgs/"+org["id"].(string)+"/entitlements", token, nil)
	assert.Equal(t, http.StatusOK, r.Code)

	blank := api.do(http.MethodPost, "/orgs", s.access, map[string]any{"name": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, blank.Code)
	assert.Equal(t, "invalid_org_name", blank.str("error"))
}

func TestBillingEventsRequirePlan(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("billing@example.com", "Acme")
	path := "/orgs/" + s.orgID + "/billing/events"

	free := api.do(http.MethodGet, path, s.access, nil)
	assert.Equal(t, http.StatusForbidden, free.Code)
	assert.Equal(t, "plan_not_entitled", free.str("error"))

	obj := map[string]any{"metadata": map[string]any{"org_id": s.orgID}, "plan": "pro"}
	require.Equal(t, http.StatusOK, api.webhook("evt_1", "checkout.completed", obj).Code)

	// The plan changed under the token.
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, path, s.access, nil).Code)

	next := api.refresh(s.refresh)
	require.Equal(t, http.StatusOK, next.Code)
	events := api.do(http.MethodGet, path+"?limit=10", next.str("access_token"), nil)
	require.Equal(t, http.StatusOK, events.Code, events.Body)
	list := events.Body["events"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "evt_1", list[0].(map[string]any)["event_id"])

	bad := api.do(http.MethodGet, path+"?limit=zero", next.str("access_token"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
}

func TestLogoutAndRevokeAll(t *testing.T) {
	api := newTestAPI(t)
	first := api.register("multi@example.com", "")
	second := api.login("multi@example.com", "")
	third := api.login("multi@example.com", "")

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/auth/logout", "", map[string]any{"refresh_token": first.refresh}).Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/auth/logout", "", map[string]any{"refresh_token": first.refresh}).Code, "logout is idempotent")
	assert.Equal(t, http.StatusUnauthorized, api.refresh(first.refresh).Code)
	assert.Equal(t, http.StatusOK, api.refresh(second.refresh).Code)

	anon := api.do(http.MethodPost, "/auth/logout", "", map[string]any{"all": true})
	assert.Equal(t, http.StatusUnauthorized, anon.Code)

	all := api.do(http.MethodPost, "/auth/logout", third.access, map[string]any{"all": true})
	assert.Equal(t, http.StatusNoContent, all.Code)
	revoked := api.refresh(third.refresh)
	assert.Equal(t, http.StatusUnauthorized, revoked.Code)
	assert.Equal(t, "token_revoked", revoked.str("error"))
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("pw@example.com", "")

	wrong := api.do(http.MethodPost, "/users/me/password", s.access, map[string]any{"current_password": "nope-Nope-1", "new_password": "An0ther-Passw0rd"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)

	ok := api.do(http.MethodPost, "/users/me/password", s.access, map[string]any{"current_password": testPassword, "new_password": "An0ther-Passw0rd"})
	require.Equal(t, http.StatusNoContent, ok.Code, ok.Body)
	assert.Equal(t, http.StatusUnauthorized, api.refresh(s.refresh).Code)

	relog := api.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "pw@example.com", "password": "An0ther-Passw0rd"})
	assert.Equal(t, http.StatusOK, relog.Code)
}

func TestDeleteMe(t *testing.T) {
	api := newTestAPI(t)
	s := api.register("bye@example.com", "")

	require.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/users/me", s.access, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, api.refresh(s.refresh).Code)
	login := api.do(http.MethodPost, "/auth/login", "", map[string]any{"email": "bye@example.com", "password": testPassword})
	assert.Equal(t, http.StatusUnauthorized, login.Code)

	// The email is free again.
	api.register("bye@example.com", "")
}

func TestDeleteMeRefusedForSoleOwner(t *testing.T) {
	api := newTestAPI(t)
	owner := api.register("founder@example.com", "Acme")

	r := api.do(http.MethodDelete, "/users/me", owner.access, nil)
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "last_owner", r.str("error"))
	assert.Equal(t, http.StatusOK, api.refresh(owner.refresh).Code, "account and sessions survive")

	heir := api.register("heir@example.com", "")
	add := api.do(http.MethodPost, "/orgs/"+owner.orgID+"/members", owner.access, map[string]any{"user_id": heir.userID, "role": "owner"})
	require.Equal(t, http.StatusCreated, add.Code, add.Body)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/users/me", owner.access, nil).Code)
}

func TestAuthRoutesAreRateLimited(t *testing.T) {
	api := newTestAPI(t, WithLimiter(ratelimit.NewLocal(0.001, 2)))
	body := map[string]any{"email": "nobody@example.com", "password": "whatever-Pass1"}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/auth/login", "", body).Code)
	}
	limited := api.do(http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "rate_limited", limited.str("error"))
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/healthz", "", nil).Code, "only /auth is limited")
}

func TestOperationalEndpoints(t *testing.T) {
	api := newTestAPI(t)

	health := api.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, health.Code)
	assert.Equal(t, "test", health.str("version"))
	assert.Equal(t, "nosniff", health.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, health.Header.Get(requestIDHeader))

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/readyz", "", nil).Code)

	jwks := api.do(http.MethodGet, "/.well-known/jwks.json", "", nil)
	assert.Equal(t, http.StatusOK, jwks.Code)
	assert.Empty(t, jwks.Body["keys"], "HMAC keys are never published")

	res, err := api.client.Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	missing := api.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not_found", missing.str("error"))

	wrongMethod := api.do(http.MethodGet, "/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, wrongMethod.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyProbe(t *testing.T) {
	ok := ReadyProbe{Checks: map[string]Pinger{"store": memory.New()}}
	assert.NoError(t, ok.Check(context.Background()))

	bad := ReadyProbe{Checks: map[string]Pinger{"store": memory.New(), "redis": failingPinger{}}, Timeout: time.Second}
	err := bad.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")

	assert.NoError(t, ReadyProbe{}.Check(context.Background()))
}
