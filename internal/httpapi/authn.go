package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/guard"
	"tenantcore.io/internal/tokens"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingBearer = apperr.New(apperr.KindAuth, "missing_token", "bearer token is required")

// authenticate verifies the bearer access token and stores its claims on the
// request context. Verification is local; no store is consulted.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondErr(w, r, err)
			return
		}
		claims, err := a.deps.Tokens.VerifyAccess(token)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		ctx := tokens.ContextWithClaims(r.Context(), claims)
		ctx = tokens.ContextWithToken(ctx, token)
		ctx = audit.WithActor(ctx, claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalClaims verifies a bearer token when one is present. It reports
// false after answering the request if the token is invalid.
func (a *API) optionalClaims(w http.ResponseWriter, r *http.Request) (*tokens.Claims, bool) {
	header := r.Header.Get(authHeader)
	if strings.TrimSpace(header) == "" {
		return nil, true
	}
	token, err := extractBearerToken(header)
	if err == nil {
		var claims *tokens.Claims
		if claims, err = a.deps.Tokens.VerifyAccess(token); err == nil {
			return claims, true
		}
	}
	respondErr(w, r, err)
	return nil, false
}

// authorize runs the guard for the current claims and answers the request
// when the decision is a deny.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, req guard.Requirement) (*tokens.Claims, bool) {
	claims, ok := tokens.ClaimsFromContext(r.Context())
	if !ok {
		respondErr(w, r, errMissingBearer)
		return nil, false
	}
	d := a.deps.Guard.Authorize(r.Context(), claims, req)
	if d.Allowed {
		return claims, true
	}
	respondErr(w, r, d.Err())
	return nil, false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.Join(errMissingBearer, errors.New("invalid authorization scheme"))
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
