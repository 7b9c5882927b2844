package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"

	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/guard"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/tokens"
)

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (req addMemberRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.When(req.UserID == "", validation.Required.Error("email or user_id is required"))),
		validation.Field(&req.UserID, validation.When(req.Email != "", validation.Empty.Error("give either email or user_id"))),
	)
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type entitlementsResponse struct {
	OrgID       string           `json:"org_id"`
	Plan        billing.PlanTier `json:"plan"`
	State       billing.State    `json:"subscription_state"`
	Features    []string         `json:"features"`
	GracePeriod string           `json:"grace_period"`
}

func orgID(r *http.Request) string {
	return mux.Vars(r)["org_id"]
}

func (a *API) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	claims, _ := tokens.ClaimsFromContext(r.Context())
	var req createOrganizationRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	ctx := r.Context()
	org, owner, err := a.deps.Orgs.CreateOrganization(ctx, req.Name, claims.UserID())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "org.created", map[string]any{"org_id": org.ID})

	user, err := a.deps.Users.Get(ctx, claims.UserID())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	pair, err := a.deps.Tokens.Issue(ctx, user.ID, org.ID)
	if err != nil {
		respondErr(w, r, fmt.Errorf("issue tokens: %w", err))
		return
	}
	obs.TokensIssued("org_create")
	w.Header().Set("Location", "/orgs/"+org.ID+"/members")
	writeJSON(w, http.StatusCreated, sessionResponse{Pair: pair, User: user, Organization: &org, Role: owner.Role})
}

func (a *API) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	id := orgID(r)
	if _, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleMember, Mode: guard.Fast}); !ok {
		return
	}
	snap, err := retry(r.Context(), a, func() (entitlements.Snapshot, error) {
		return a.deps.Entitlements.ForOrg(r.Context(), id)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entitlementsResponse{
		OrgID:       id,
		Plan:        snap.Plan,
		State:       snap.State,
		Features:    snap.Features.Strings(),
		GracePeriod: a.deps.Entitlements.Grace().String(),
	})
}

func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id := orgID(r)
	if _, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleMember, Mode: guard.Fast}); !ok {
		return
	}
	list, err := retry(r.Context(), a, func() ([]membership.Membership, error) {
		return a.deps.Orgs.ListMembers(r.Context(), id)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []membership.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": list})
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id := orgID(r)
	claims, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleAdmin, Mode: guard.Strict})
	if !ok {
		return
	}
	var req addMemberRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondErr(w, r, invalid(err))
		return
	}
	role := membership.RoleMember
	if req.Role != "" {
		parsed, err := membership.ParseRole(req.Role)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		role = parsed
	}
	if !membership.CanAssign(claims.Role, role) {
		respondErr(w, r, guard.ErrInsufficientRole)
		return
	}

	ctx := r.Context()
	userID := strings.TrimSpace(req.UserID)
	if req.Email != "" {
		user, err := a.deps.Users.FindByEmail(ctx, req.Email)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		userID = user.ID
	}
	m, err := a.deps.Orgs.AddMember(ctx, id, userID, role)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "org.member.added", map[string]any{"org_id": id, "user_id": userID, "role": role.String()})
	w.Header().Set("Location", "/orgs/"+id+"/members/"+userID)
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	id, target := orgID(r), mux.Vars(r)["user_id"]
	if _, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleOwner, Mode: guard.Strict}); !ok {
		return
	}
	var req changeRoleRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	role, err := membership.ParseRole(req.Role)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	m, err := a.deps.Orgs.ChangeRole(r.Context(), id, target, role)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "org.member.role_changed", map[string]any{"org_id": id, "user_id": target, "role": role.String()})
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, target := orgID(r), mux.Vars(r)["user_id"]
	claims, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleAdmin, Mode: guard.Strict})
	if !ok {
		return
	}
	ctx := r.Context()
	cur, err := a.deps.Orgs.Get(ctx, id, target)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if !membership.CanManage(claims.Role, cur.Role) {
		respondErr(w, r, guard.ErrInsufficientRole)
		return
	}
	if err := a.deps.Orgs.RemoveMember(ctx, id, target); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "org.member.removed", map[string]any{"org_id": id, "user_id": target})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := orgID(r)
	if _, ok := a.authorize(w, r, guard.Requirement{OrgID: id, MinRole: membership.RoleAdmin, Mode: guard.Strict}); !ok {
		return
	}
	sub, err := retry(r.Context(), a, func() (billing.Subscription, error) {
		return a.deps.Billing.Subscription(r.Context(), id)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleBillingEvents lists processed webhook events. It is gated on the
// audit_log feature.
func (a *API) handleBillingEvents(w http.ResponseWriter, r *http.Request) {
	id := orgID(r)
	req := guard.Requirement{OrgID: id, MinRole: membership.RoleAdmin, Feature: entitlements.FeatureAuditLog, Mode: guard.Strict}
	if _, ok := a.authorize(w, r, req); !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondErr(w, r, invalid(errors.New("limit: must be a positive integer")))
			return
		}
		limit = n
	}
	events, err := retry(r.Context(), a, func() ([]billing.EventRecord, error) {
		return a.deps.Billing.History(r.Context(), id, limit)
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if events == nil {
		events = []billing.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
