// Package httpapi exposes the tenant core over HTTP and gRPC health.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/guard"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/ratelimit"
	"tenantcore.io/internal/tokens"
)

const serviceName = "tenantcore"

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every named dependency. A nil map means always ready.
type ReadyProbe struct {
	Checks  map[string]Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if len(rp.Checks) == 0 {
		return nil
	}
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := rp.Checks[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the API dispatches to.
type Deps struct {
	Users        *credentials.Service
	Tokens       *tokens.Service
	Orgs         *membership.Registry
	Guard        *guard.Guard
	Billing      *billing.Reconciler
	Entitlements *entitlements.Gate
	Keys         *tokens.KeySet
	Ready        readinessChecker
}

// Option tunes the API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithLimiter rate limits the /auth routes. A nil limiter disables it.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithCORSOrigins lists origins allowed to call the API from a browser.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRetries bounds how often transient store failures are retried on
// idempotent routes.
func WithRetries(n uint64, initial time.Duration) Option {
	return func(a *API) {
		a.retries = n
		if initial > 0 {
			a.retryInitial = initial
		}
	}
}

// API is the HTTP layer.
type API struct {
	deps   Deps
	router *mux.Router

	version      string
	limiter      ratelimit.Limiter
	corsOrigins  []string
	maxBody      int64
	retries      uint64
	retryInitial time.Duration
}

func New(deps Deps, opts ...Option) (*API, error) {
	switch {
	case deps.Users == nil, deps.Tokens == nil, deps.Orgs == nil:
		return nil, errors.New("httpapi: users, tokens and orgs are required")
	case deps.Guard == nil, deps.Billing == nil, deps.Entitlements == nil:
		return nil, errors.New("httpapi: guard, billing and entitlements are required")
	}
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	a := &API{
		deps:         deps,
		router:       mux.NewRouter(),
		version:      "dev",
		maxBody:      1 << 20,
		retries:      2,
		retryInitial: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.Use(instrument, a.logging)

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/jwks.json", a.JWKS).Methods(http.MethodGet)

	auth := r.PathPrefix("/auth").Subrouter()
	if a.limiter != nil {
		auth.Use(RateLimit(a.limiter))
	}
	auth.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost)
	auth.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	auth.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)
	auth.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/billing/webhook", a.handleWebhook).Methods(http.MethodPost)

	users := r.PathPrefix("/users/me").Subrouter()
	users.Use(a.authenticate)
	users.HandleFunc("", a.handleMe).Methods(http.MethodGet)
	users.HandleFunc("", a.handleDeleteMe).Methods(http.MethodDelete)
	users.HandleFunc("/password", a.handleChangePassword).Methods(http.MethodPost)

	orgs := r.PathPrefix("/orgs").Subrouter()
	orgs.Use(a.authenticate)
	orgs.HandleFunc("", a.handleCreateOrg).Methods(http.MethodPost)
	orgs.HandleFunc("/{org_id}/entitlements", a.handleEntitlements).Methods(http.MethodGet)
	orgs.HandleFunc("/{org_id}/members", a.handleListMembers).Methods(http.MethodGet)
	orgs.HandleFunc("/{org_id}/members", a.handleAddMember).Methods(http.MethodPost)
	orgs.HandleFunc("/{org_id}/members/{user_id}", a.handleChangeRole).Methods(http.MethodPatch)
	orgs.HandleFunc("/{org_id}/members/{user_id}", a.handleRemoveMember).Methods(http.MethodDelete)
	orgs.HandleFunc("/{org_id}/subscription", a.handleSubscription).Methods(http.MethodGet)
	orgs.HandleFunc("/{org_id}/billing/events", a.handleBillingEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := MaxBodyBytes(a.router, a.maxBody)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return otelhttp.NewHandler(h, serviceName, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

// instrument runs inside the router so metrics are labeled with the matched
// route template rather than the raw path.
func instrument(next http.Handler) http.Handler {
	return obs.Instrument(next, routeLabel)
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
		return
	}
	body, err := a.deps.Keys.JWKS()
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
