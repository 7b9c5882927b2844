package membership

import (
	"context"
	"time"

	"tenantcore.io/internal/apperr"
)

var (
	ErrAlreadyMember  = apperr.New(apperr.KindConflict, "already_member", "user is already a member of the organization")
	ErrNotFound       = apperr.New(apperr.KindNotFound, "membership_not_found", "membership not found")
	ErrOrgNotFound    = apperr.New(apperr.KindNotFound, "org_not_found", "organization not found")
	ErrLastOwner      = apperr.New(apperr.KindConflict, "last_owner", "organization must keep at least one owner")
	ErrInvalidRole    = apperr.New(apperr.KindValidation, "invalid_role", "invalid role")
	ErrInvalidOrgName = apperr.New(apperr.KindValidation, "invalid_org_name", "organization name is invalid")
)

// Organization is a tenant.
type Organization struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the organization has not been soft-deleted.
func (o Organization) Active() bool {
	return o.DeletedAt == nil
}

// Membership binds a user to an organization with a role.
type Membership struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutation is the change a MutateFunc asks the store to apply.
type Mutation struct {
	Role   Role
	Remove bool
}

// MutateFunc decides a change given the current membership and the number of
// owners the organization has at that moment.
type MutateFunc func(current Membership, owners int) (Mutation, error)

// Store persists organizations and memberships.
type Store interface {
	// CreateOrganization inserts org, its first owner and an empty
	// subscription atomically. An unknown owner yields
	// credentials.ErrUserNotFound.
	CreateOrganization(ctx context.Context, org Organization, owner Membership) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	SoftDeleteOrganization(ctx context.Context, id string, at time.Time) error

	// AddMember fails with ErrAlreadyMember, ErrOrgNotFound when the
	// organization is missing or deleted, or credentials.ErrUserNotFound.
	AddMember(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, orgID, userID string) (Membership, error)
	ListMembers(ctx context.Context, orgID string) ([]Membership, error)
	ListForUser(ctx context.Context, userID string) ([]Membership, error)

	// MutateMembership serializes against every other membership change of
	// the same organization, calls fn and applies its Mutation in the same
	// transaction.
	MutateMembership(ctx context.Context, orgID, userID string, at time.Time, fn MutateFunc) (Membership, error)
}
