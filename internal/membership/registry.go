// Package membership manages organizations and the roles users hold in them.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"tenantcore.io/internal/ids"
)

// Registry applies membership rules on top of a Store.
type Registry struct {
	store Store
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry wires a Registry to store.
func NewRegistry(store Store, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("membership: store is required")
	}
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateOrganization creates an organization owned by ownerID.
func (r *Registry) CreateOrganization(ctx context.Context, name, ownerID string) (Organization, Membership, error) {
	name = strings.TrimSpace(name)
	if err := validation.Validate(name, validation.Required, validation.RuneLength(1, 120)); err != nil {
		return Organization{}, Membership{}, fmt.Errorf("%w: %v", ErrInvalidOrgName, err)
	}
	now := r.now().UTC()
	org := Organization{ID: ids.NewAt(now), Name: name, CreatedAt: now}
	owner := Membership{OrgID: org.ID, UserID: ownerID, Role: RoleOwner, CreatedAt: now, UpdatedAt: now}
	if err := r.store.CreateOrganization(ctx, org, owner); err != nil {
		return Organization{}, Membership{}, fmt.Errorf("create organization: %w", err)
	}
	return org, owner, nil
}

// GetOrganization returns a live organization.
func (r *Registry) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	org, err := r.store.GetOrganization(ctx, orgID)
	if err != nil {
		return Organization{}, err
	}
	if !org.Active() {
		return Organization{}, ErrOrgNotFound
	}
	return org, nil
}

// DeleteOrganization soft-deletes the organization.
func (r *Registry) DeleteOrganization(ctx context.Context, orgID string) error {
	return r.store.SoftDeleteOrganization(ctx, orgID, r.now().UTC())
}

// AddMember grants role to userID in orgID.
func (r *Registry) AddMember(ctx context.Context, orgID, userID string, role Role) (Membership, error) {
	if !role.Valid() {
		return Membership{}, ErrInvalidRole
	}
	now := r.now().UTC()
	m := Membership{OrgID: orgID, UserID: userID, Role: role, CreatedAt: now, UpdatedAt: now}
	if err := r.store.AddMember(ctx, m); err != nil {
		return Membership{}, err
	}
	return m, nil
}

// ChangeRole sets a new role. Demoting the only owner fails with ErrLastOwner.
func (r *Registry) ChangeRole(ctx context.Context, orgID, userID string, role Role) (Membership, error) {
	if !role.Valid() {
		return Membership{}, ErrInvalidRole
	}
	return r.store.MutateMembership(ctx, orgID, userID, r.now().UTC(), keepOwner(Mutation{Role: role}))
}

// RemoveMember deletes the membership. Removing the only owner fails with
// ErrLastOwner.
func (r *Registry) RemoveMember(ctx context.Context, orgID, userID string) error {
	_, err := r.store.MutateMembership(ctx, orgID, userID, r.now().UTC(), keepOwner(Mutation{Remove: true}))
	return err
}

// Get returns the membership of userID in orgID.
func (r *Registry) Get(ctx context.Context, orgID, userID string) (Membership, error) {
	return r.store.GetMembership(ctx, orgID, userID)
}

// ListMembers returns every membership of orgID.
func (r *Registry) ListMembers(ctx context.Context, orgID string) ([]Membership, error) {
	return r.store.ListMembers(ctx, orgID)
}

// ListForUser returns the user's memberships, oldest first.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]Membership, error) {
	return r.store.ListForUser(ctx, userID)
}

// SoleOwnerships lists the live organizations in which userID is the only
// owner. An account with any must not be closed.
func (r *Registry) SoleOwnerships(ctx context.Context, userID string) ([]string, error) {
	mine, err := r.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range mine {
		if m.Role != RoleOwner {
			continue
		}
		members, err := r.store.ListMembers(ctx, m.OrgID)
		if err != nil {
			return nil, err
		}
		owners := 0
		for _, other := range members {
			if other.Role == RoleOwner {
				owners++
			}
		}
		if owners <= 1 {
			out = append(out, m.OrgID)
		}
	}
	return out, nil
}

// keepOwner rejects mutations that would leave the organization ownerless.
func keepOwner(m Mutation) MutateFunc {
	return func(current Membership, owners int) (Mutation, error) {
		losesOwner := m.Remove || m.Role != RoleOwner
		if current.Role == RoleOwner && losesOwner && owners <= 1 {
			return Mutation{}, ErrLastOwner
		}
		return m, nil
	}
}
