package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantcore.io/internal/dbx"
	"tenantcore.io/internal/tokens"
)

func (s *Store) CreateRefreshToken(ctx context.Context, t tokens.RefreshToken) error {
	return classify(insertRefresh(ctx, s.db, t))
}

func insertRefresh(ctx context.Context, db dbx.DBTX, t tokens.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, org_id, token_hash, status, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, nullIfEmpty(t.OrgID), t.TokenHash, string(t.Status), t.IssuedAt, t.ExpiresAt)
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, id string) (tokens.RefreshToken, error) {
	var (
		t          tokens.RefreshToken
		orgID      sql.NullString
		status     string
		redeemedAt sql.NullTime
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, org_id, token_hash, status, issued_at, expires_at, redeemed_at, revoked_at, replaced_by
		from refresh_tokens
		where id = $1
	`, id).Scan(&t.ID, &t.UserID, &orgID, &t.TokenHash, &status, &t.IssuedAt, &t.ExpiresAt, &redeemedAt, &revokedAt, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return tokens.RefreshToken{}, tokens.ErrRefreshNotFound
	}
	if err != nil {
		return tokens.RefreshToken{}, classify(err)
	}
	t.OrgID = orgID.String
	t.Status = tokens.RefreshStatus(status)
	t.RedeemedAt = timePtr(redeemedAt)
	t.RevokedAt = timePtr(revokedAt)
	t.ReplacedBy = replacedBy.String
	return t, nil
}

// RotateRefreshToken inserts the successor first so the replaced_by
// reference is valid, then redeems the current token only if it is still
// issued. Losing that race rolls the insert back.
func (s *Store) RotateRefreshToken(ctx context.Context, id string, next tokens.RefreshToken, at time.Time) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := insertRefresh(ctx, tx, next); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			update refresh_tokens
			set status = 'redeemed', redeemed_at = $2, replaced_by = $3
			where id = $1 and status = 'issued'
		`, id, at, next.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return tokens.ErrAlreadyRedeemed
		}
		return nil
	})
	return classify(err)
}

func (s *Store) RevokeRefreshChain(ctx context.Context, id string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		with recursive chain (id, replaced_by) as (
			select id, replaced_by from refresh_tokens where id = $1
			union
			select t.id, t.replaced_by
			from refresh_tokens t
			join chain c on t.id = c.replaced_by
		)
		update refresh_tokens
		set status = 'revoked', revoked_at = $2
		where id in (select id from chain) and status <> 'revoked'
	`, id, at)
	return rowsAffected(res, err)
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set status = 'revoked', revoked_at = $2
		where user_id = $1 and status <> 'revoked'
	`, userID, at)
	return rowsAffected(res, err)
}

func (s *Store) PurgeRefreshTokens(ctx context.Context, expiredBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, expiredBefore)
	return rowsAffected(res, err)
}

func rowsAffected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}
