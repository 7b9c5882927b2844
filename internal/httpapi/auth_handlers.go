package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/tokens"
)

var errInvalidRequest = apperr.New(apperr.KindValidation, "invalid_request", "request is invalid")

// invalid wraps an ozzo validation error so it maps to 422 while keeping the
// field detail in the message.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &apperr.Error{Kind: apperr.KindValidation, Code: errInvalidRequest.Code, Message: err.Error()}
}

type registerRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	OrganizationName string `json:"organization_name"`
}

func (req registerRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required),
		validation.Field(&req.Password, validation.Required),
		validation.Field(&req.OrganizationName, validation.By(func(any) error {
			if req.OrganizationName == "" {
				return nil
			}
			return validation.Validate(strings.TrimSpace(req.OrganizationName), validation.Required, validation.RuneLength(1, 120))
		})),
	)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OrgID    string `json:"org_id"`
}

func (req loginRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required),
		validation.Field(&req.Password, validation.Required),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	All          bool   `json:"all"`
}

// sessionResponse is a token pair plus the identity it was issued for.
type sessionResponse struct {
	tokens.Pair
	User         credentials.User         `json:"user"`
	Organization *membership.Organization `json:"organization,omitempty"`
	Role         membership.Role          `json:"role,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondErr(w, r, invalid(err))
		return
	}
	ctx := r.Context()

	user, err := a.deps.Users.CreateUser(ctx, req.Email, req.Password)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := sessionResponse{User: user}
	orgID := ""
	if name := strings.TrimSpace(req.OrganizationName); name != "" {
		org, owner, err := a.deps.Orgs.CreateOrganization(ctx, name, user.ID)
		if err != nil {
			// The account is unusable without its organization; undo it so the
			// client can retry with the same email.
			if derr := a.deps.Users.DeleteUser(ctx, user.ID); derr != nil {
				obs.Logger().WithError(derr).WithField("user_id", user.ID).Error("rollback registration")
			}
			respondErr(w, r, err)
			return
		}
		resp.Organization, resp.Role, orgID = &org, owner.Role, org.ID
	}

	pair, err := a.deps.Tokens.Issue(ctx, user.ID, orgID)
	if err != nil {
		respondErr(w, r, fmt.Errorf("issue tokens: %w", err))
		return
	}
	obs.TokensIssued("register")
	resp.Pair = pair
	_ = audit.LogEvent(audit.WithActor(ctx, user.ID), "auth.register", map[string]any{"org_id": orgID})
	w.Header().Set("Location", "/users/me")
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondErr(w, r, invalid(err))
		return
	}
	creds := tokens.Credentials{Email: req.Email, Password: req.Password, OrgID: strings.TrimSpace(req.OrgID)}
	pair, err := retry(r.Context(), a, func() (tokens.Pair, error) {
		return a.deps.Tokens.Login(r.Context(), creds)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh is not retried: a retry after an ambiguous commit would
// present an already redeemed token and revoke the session.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := validation.Validate(req.RefreshToken, validation.Required); err != nil {
		respondErr(w, r, invalid(fmt.Errorf("refresh_token: %w", err)))
		return
	}
	pair, err := a.deps.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.All {
		claims, ok := a.optionalClaims(w, r)
		if !ok {
			return
		}
		if claims == nil {
			respondErr(w, r, errMissingBearer)
			return
		}
		if err := retryErr(ctx, a, func() error {
			_, err := a.deps.Tokens.RevokeAll(ctx, claims.UserID())
			return err
		}); err != nil {
			respondErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := validation.Validate(req.RefreshToken, validation.Required); err != nil {
		respondErr(w, r, invalid(fmt.Errorf("refresh_token: %w", err)))
		return
	}
	if err := retryErr(ctx, a, func() error {
		return a.deps.Tokens.Logout(ctx, req.RefreshToken)
	}); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
