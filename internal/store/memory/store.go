// Package memory implements every store port in process memory. It backs
// tests and the development profile when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/tokens"
)

// Store holds all state behind one lock, so every operation is trivially
// atomic.
type Store struct {
	mu sync.RWMutex

	users   map[string]credentials.User
	byEmail map[string]string // live users only

	orgs    map[string]membership.Organization
	members map[string]map[string]membership.Membership // org -> user
	subs    map[string]billing.Subscription

	refresh map[string]tokens.RefreshToken

	events     map[string]billing.EventRecord
	deliveries []billing.DeliveryRecord
}

var (
	_ credentials.Store   = (*Store)(nil)
	_ membership.Store    = (*Store)(nil)
	_ tokens.RefreshStore = (*Store)(nil)
	_ billing.Store       = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:   make(map[string]credentials.User),
		byEmail: make(map[string]string),
		orgs:    make(map[string]membership.Organization),
		members: make(map[string]map[string]membership.Membership),
		subs:    make(map[string]billing.Subscription),
		refresh: make(map[string]tokens.RefreshToken),
		events:  make(map[string]billing.EventRecord),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Users

func (s *Store) CreateUser(_ context.Context, u credentials.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := credentials.NormalizeEmail(u.Email)
	if _, taken := s.byEmail[email]; taken {
		return credentials.ErrEmailTaken
	}
	u.Email = email
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (credentials.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return credentials.User{}, credentials.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (credentials.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[credentials.NormalizeEmail(email)]
	if !ok {
		return credentials.User{}, credentials.ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || !u.Active() {
		return credentials.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

func (s *Store) SoftDeleteUser(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || !u.Active() {
		return credentials.ErrUserNotFound
	}
	u.DeletedAt = &at
	u.UpdatedAt = at
	s.users[id] = u
	delete(s.byEmail, u.Email)
	return nil
}

// Organizations and memberships

func (s *Store) CreateOrganization(_ context.Context, org membership.Organization, owner membership.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[owner.UserID]; !ok || !u.Active() {
		return credentials.ErrUserNotFound
	}
	s.orgs[org.ID] = org
	s.members[org.ID] = map[string]membership.Membership{owner.UserID: owner}
	s.subs[org.ID] = billing.NewSubscription(org.ID, org.CreatedAt)
	return nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (membership.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return membership.Organization{}, membership.ErrOrgNotFound
	}
	return org, nil
}

func (s *Store) SoftDeleteOrganization(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok || !org.Active() {
		return membership.ErrOrgNotFound
	}
	org.DeletedAt = &at
	s.orgs[id] = org
	return nil
}

// liveOrg must be called with the lock held.
func (s *Store) liveOrg(id string) bool {
	org, ok := s.orgs[id]
	return ok && org.Active()
}

func (s *Store) AddMember(_ context.Context, m membership.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveOrg(m.OrgID) {
		return membership.ErrOrgNotFound
	}
	if u, ok := s.users[m.UserID]; !ok || !u.Active() {
		return credentials.ErrUserNotFound
	}
	if _, exists := s.members[m.OrgID][m.UserID]; exists {
		return membership.ErrAlreadyMember
	}
	s.members[m.OrgID][m.UserID] = m
	return nil
}

func (s *Store) GetMembership(_ context.Context, orgID, userID string) (membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.liveOrg(orgID) {
		return membership.Membership{}, membership.ErrNotFound
	}
	m, ok := s.members[orgID][userID]
	if !ok {
		return membership.Membership{}, membership.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMembers(_ context.Context, orgID string) ([]membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.liveOrg(orgID) {
		return nil, membership.ErrOrgNotFound
	}
	out := make([]membership.Membership, 0, len(s.members[orgID]))
	for _, m := range s.members[orgID] {
		out = append(out, m)
	}
	sortMemberships(out, func(m membership.Membership) string { return m.UserID })
	return out, nil
}

func (s *Store) ListForUser(_ context.Context, userID string) ([]membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []membership.Membership
	for orgID, ms := range s.members {
		if !s.liveOrg(orgID) {
			continue
		}
		if m, ok := ms[userID]; ok {
			out = append(out, m)
		}
	}
	sortMemberships(out, func(m membership.Membership) string { return m.OrgID })
	return out, nil
}

func sortMemberships(list []membership.Membership, tie func(membership.Membership) string) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return tie(list[i]) < tie(list[j])
	})
}

func (s *Store) MutateMembership(_ context.Context, orgID, userID string, at time.Time, fn membership.MutateFunc) (membership.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveOrg(orgID) {
		return membership.Membership{}, membership.ErrOrgNotFound
	}
	cur, ok := s.members[orgID][userID]
	if !ok {
		return membership.Membership{}, membership.ErrNotFound
	}
	owners := 0
	for _, m := range s.members[orgID] {
		if m.Role == membership.RoleOwner {
			owners++
		}
	}
	mut, err := fn(cur, owners)
	if err != nil {
		return membership.Membership{}, err
	}
	if mut.Remove {
		delete(s.members[orgID], userID)
		return cur, nil
	}
	cur.Role = mut.Role
	cur.UpdatedAt = at
	s.members[orgID][userID] = cur
	return cur, nil
}
