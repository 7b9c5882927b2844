package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/dbx"
	"tenantcore.io/internal/membership"
)

func (s *Store) CreateOrganization(ctx context.Context, org membership.Organization, owner membership.Membership) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := lockLiveUser(ctx, tx, owner.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into organizations (id, name, created_at) values ($1, $2, $3)
		`, org.ID, org.Name, org.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into memberships (org_id, user_id, role, created_at, updated_at)
			values ($1, $2, $3, $4, $5)
		`, org.ID, owner.UserID, owner.Role.String(), owner.CreatedAt, owner.UpdatedAt); err != nil {
			return err
		}
		sub := billing.NewSubscription(org.ID, org.CreatedAt)
		_, err := tx.ExecContext(ctx, `
			insert into subscriptions (org_id, state, plan, updated_at) values ($1, $2, $3, $4)
		`, sub.OrgID, string(sub.State), string(sub.Plan), sub.UpdatedAt)
		return err
	})
	return classify(err)
}

func lockLiveUser(ctx context.Context, tx dbx.DBTX, userID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		select id from users where id = $1 and deleted_at is null for share
	`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.ErrUserNotFound
	}
	return err
}

func (s *Store) GetOrganization(ctx context.Context, id string) (membership.Organization, error) {
	var (
		org     membership.Organization
		deleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at, deleted_at from organizations where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Organization{}, membership.ErrOrgNotFound
	}
	if err != nil {
		return membership.Organization{}, classify(err)
	}
	org.DeletedAt = timePtr(deleted)
	return org, nil
}

func (s *Store) SoftDeleteOrganization(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations set deleted_at = $2 where id = $1 and deleted_at is null
	`, id, at)
	return affectedOne(res, err, membership.ErrOrgNotFound)
}

// lockLiveOrg takes the row lock that serializes membership changes of one
// organization.
func lockLiveOrg(ctx context.Context, tx dbx.DBTX, orgID string, mode string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		select id from organizations where id = $1 and deleted_at is null for `+mode, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.ErrOrgNotFound
	}
	return err
}

func (s *Store) AddMember(ctx context.Context, m membership.Membership) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := lockLiveOrg(ctx, tx, m.OrgID, "share"); err != nil {
			return err
		}
		if err := lockLiveUser(ctx, tx, m.UserID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			insert into memberships (org_id, user_id, role, created_at, updated_at)
			values ($1, $2, $3, $4, $5)
		`, m.OrgID, m.UserID, m.Role.String(), m.CreatedAt, m.UpdatedAt)
		switch {
		case isUniqueViolation(err):
			return membership.ErrAlreadyMember
		case isForeignKeyViolation(err):
			return credentials.ErrUserNotFound
		}
		return err
	})
	return classify(err)
}

const membershipColumns = `m.org_id, m.user_id, m.role, m.created_at, m.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (membership.Membership, error) {
	var (
		m    membership.Membership
		role string
	)
	if err := row.Scan(&m.OrgID, &m.UserID, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return membership.Membership{}, err
	}
	r, err := membership.ParseRole(role)
	if err != nil {
		return membership.Membership{}, fmt.Errorf("membership %s/%s: %w", m.OrgID, m.UserID, err)
	}
	m.Role = r
	return m, nil
}

func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (membership.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from memberships m
		join organizations o on o.id = m.org_id and o.deleted_at is null
		where m.org_id = $1 and m.user_id = $2
	`, orgID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Membership{}, membership.ErrNotFound
	}
	return m, classify(err)
}

func (s *Store) ListMembers(ctx context.Context, orgID string) ([]membership.Membership, error) {
	if _, err := s.liveOrg(ctx, orgID); err != nil {
		return nil, err
	}
	return s.listMemberships(ctx, `
		select `+membershipColumns+`
		from memberships m
		where m.org_id = $1
		order by m.created_at, m.user_id
	`, orgID)
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]membership.Membership, error) {
	return s.listMemberships(ctx, `
		select `+membershipColumns+`
		from memberships m
		join organizations o on o.id = m.org_id and o.deleted_at is null
		where m.user_id = $1
		order by m.created_at, m.org_id
	`, userID)
}

func (s *Store) liveOrg(ctx context.Context, orgID string) (membership.Organization, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return membership.Organization{}, err
	}
	if !org.Active() {
		return membership.Organization{}, membership.ErrOrgNotFound
	}
	return org, nil
}

func (s *Store) listMemberships(ctx context.Context, query string, arg string) ([]membership.Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []membership.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) MutateMembership(ctx context.Context, orgID, userID string, at time.Time, fn membership.MutateFunc) (membership.Membership, error) {
	var result membership.Membership
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := lockLiveOrg(ctx, tx, orgID, "update"); err != nil {
			return err
		}
		cur, err := scanMembership(tx.QueryRowContext(ctx, `
			select `+membershipColumns+`
			from memberships m
			where m.org_id = $1 and m.user_id = $2
		`, orgID, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return membership.ErrNotFound
		}
		if err != nil {
			return err
		}
		var owners int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from memberships where org_id = $1 and role = 'owner'
		`, orgID).Scan(&owners); err != nil {
			return err
		}
		mut, err := fn(cur, owners)
		if err != nil {
			return err
		}
		if mut.Remove {
			_, err := tx.ExecContext(ctx, `delete from memberships where org_id = $1 and user_id = $2`, orgID, userID)
			result = cur
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update memberships set role = $3, updated_at = $4 where org_id = $1 and user_id = $2
		`, orgID, userID, mut.Role.String(), at); err != nil {
			return err
		}
		cur.Role = mut.Role
		cur.UpdatedAt = at
		result = cur
		return nil
	})
	if err != nil {
		return membership.Membership{}, classify(err)
	}
	return result, nil
}
