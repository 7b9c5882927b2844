package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantcore.io/internal/credentials"
)

const userColumns = `id, email, password_hash, created_at, updated_at, deleted_at`

func (s *Store) CreateUser(ctx context.Context, u credentials.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, u.ID, credentials.NormalizeEmail(u.Email), u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return credentials.ErrEmailTaken
	}
	return classify(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (credentials.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (credentials.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = $1 and deleted_at is null
	`, credentials.NormalizeEmail(email)))
}

func scanUser(row *sql.Row) (credentials.User, error) {
	var (
		u       credentials.User
		deleted sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.User{}, credentials.ErrUserNotFound
	}
	if err != nil {
		return credentials.User{}, classify(err)
	}
	u.DeletedAt = timePtr(deleted)
	return u, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3
		where id = $1 and deleted_at is null
	`, id, hash, at)
	return affectedOne(res, err, credentials.ErrUserNotFound)
}

func (s *Store) SoftDeleteUser(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set deleted_at = $2, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, at)
	return affectedOne(res, err, credentials.ErrUserNotFound)
}

// affectedOne maps a zero-row update to notFound.
func affectedOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
