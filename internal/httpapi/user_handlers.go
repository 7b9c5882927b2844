package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/tokens"
)

// claimSnapshot is what the presented access token asserts.
type claimSnapshot struct {
	OrgID     string           `json:"org_id,omitempty"`
	Role      membership.Role  `json:"role,omitempty"`
	Plan      billing.PlanTier `json:"plan,omitempty"`
	State     billing.State    `json:"subscription_state,omitempty"`
	Features  []string         `json:"features"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type meResponse struct {
	User        credentials.User        `json:"user"`
	Memberships []membership.Membership `json:"memberships"`
	Session     claimSnapshot           `json:"session"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (req changePasswordRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.CurrentPassword, validation.Required),
		validation.Field(&req.NewPassword, validation.Required),
	)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := tokens.ClaimsFromContext(r.Context())
	ctx := r.Context()

	user, err := retry(ctx, a, func() (credentials.User, error) {
		return a.deps.Users.Get(ctx, claims.UserID())
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	list, err := retry(ctx, a, func() ([]membership.Membership, error) {
		return a.deps.Orgs.ListForUser(ctx, user.ID)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []membership.Membership{}
	}
	features := claims.Features
	if features == nil {
		features = []string{}
	}
	snap := claimSnapshot{
		OrgID:    claims.OrgID,
		Role:     claims.Role,
		Plan:     claims.Plan,
		State:    claims.SubState,
		Features: features,
	}
	if claims.ExpiresAt != nil {
		snap.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, Memberships: list, Session: snap})
}

// handleChangePassword rotates the password and ends every session of the
// user, including the caller's refresh chain.
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := tokens.ClaimsFromContext(r.Context())
	var req changePasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondErr(w, r, invalid(err))
		return
	}
	ctx := r.Context()
	if err := a.deps.Users.ChangePassword(ctx, claims.UserID(), req.CurrentPassword, req.NewPassword); err != nil {
		respondErr(w, r, err)
		return
	}
	a.revokeSessions(r, claims.UserID())
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMe closes the caller's account. The sole owner of a live
// organization must hand it over or delete it first.
func (a *API) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := tokens.ClaimsFromContext(r.Context())
	ctx := r.Context()
	owned, err := retry(ctx, a, func() ([]string, error) {
		return a.deps.Orgs.SoleOwnerships(ctx, claims.UserID())
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if len(owned) > 0 {
		respondErr(w, r, fmt.Errorf("user owns %s alone: %w", strings.Join(owned, ","), membership.ErrLastOwner))
		return
	}
	if err := retryErr(ctx, a, func() error {
		return a.deps.Users.DeleteUser(ctx, claims.UserID())
	}); err != nil {
		respondErr(w, r, err)
		return
	}
	a.revokeSessions(r, claims.UserID())
	_ = audit.LogEvent(ctx, "user.deleted", nil)
	w.WriteHeader(http.StatusNoContent)
}

// revokeSessions runs after the account change has committed, so a failure
// is logged rather than returned.
func (a *API) revokeSessions(r *http.Request, userID string) {
	ctx := r.Context()
	if err := retryErr(ctx, a, func() error {
		_, err := a.deps.Tokens.RevokeAll(ctx, userID)
		return err
	}); err != nil {
		obs.Logger().WithError(err).WithField("user_id", userID).Error("revoke sessions after account change")
	}
}
