package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/ids"
)

const tokenColumns = `id, user_id, username, token_hash, session_id, expires_at, revoked, created_at`

type tokenStore struct{ s *Store }

func scanToken(row scanner) (*auth.RefreshToken, error) {
	var t auth.RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.Username, &t.TokenHash, &t.SessionID, &t.ExpiresAt, &t.Revoked, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Create persists the token without its plaintext secret.
func (ts tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	if ts.s.db == nil {
		return errNoDB
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	ts.s.stamp(&t.CreatedAt, nil)
	_, err := ts.s.db.ExecContext(ctx, `
		insert into refresh_tokens (`+tokenColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.UserID, t.Username, t.TokenHash, t.SessionID, t.ExpiresAt, t.Revoked, t.CreatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrConflict)
	}
	return nil
}

func (ts tokenStore) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if ts.s.db == nil {
		return nil, errNoDB
	}
	return scanToken(ts.s.db.QueryRowContext(ctx, `select `+tokenColumns+` from refresh_tokens where token_hash = $1`, tokenHash))
}

func (ts tokenStore) ListByUsername(ctx context.Context, username string) ([]*auth.RefreshToken, error) {
	if ts.s.db == nil {
		return nil, errNoDB
	}
	rows, err := ts.s.db.QueryContext(ctx, `
		select `+tokenColumns+`
		from refresh_tokens
		where username = $1
		order by id
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRevoked reports true only when it flipped an unrevoked token.
func (ts tokenStore) MarkRevoked(ctx context.Context, tokenHash string) (bool, error) {
	if ts.s.db == nil {
		return false, errNoDB
	}
	res, err := ts.s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where token_hash = $1 and not revoked
	`, tokenHash)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (ts tokenStore) MarkSessionRevoked(ctx context.Context, sessionID string) (int64, error) {
	return ts.exec(ctx, `update refresh_tokens set revoked = true where session_id = $1`, sessionID)
}

func (ts tokenStore) MarkUserRevoked(ctx context.Context, username string) (int64, error) {
	return ts.exec(ctx, `update refresh_tokens set revoked = true where username = $1`, username)
}

func (ts tokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return ts.exec(ctx, `delete from refresh_tokens where expires_at < $1`, before)
}

func (ts tokenStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if ts.s.db == nil {
		return 0, errNoDB
	}
	res, err := ts.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
