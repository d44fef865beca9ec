package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/ids"
)

const userColumns = `id, username, password_hash, email, display_name, active, created_at, updated_at`

type userStore struct{ s *Store }

func scanUser(row scanner) (*auth.User, error) {
	var u auth.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.DisplayName, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (us userStore) Create(ctx context.Context, u *auth.User) error {
	if us.s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	us.s.stamp(&u.CreatedAt, &u.UpdatedAt)
	_, err := us.s.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Username, u.PasswordHash, u.Email, u.DisplayName, u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrDuplicateUsername)
	}
	return nil
}

func (us userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	if us.s.db == nil {
		return nil, errNoDB
	}
	return scanUser(us.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (us userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	if us.s.db == nil {
		return nil, errNoDB
	}
	return scanUser(us.s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
}

func (us userStore) List(ctx context.Context) ([]*auth.User, error) {
	if us.s.db == nil {
		return nil, errNoDB
	}
	rows, err := us.s.db.QueryContext(ctx, `select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Update runs in one transaction: when the username changes, the user's
// refresh tokens follow it so the old name never keeps live sessions.
func (us userStore) Update(ctx context.Context, u *auth.User) error {
	if us.s.db == nil {
		return errNoDB
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = us.s.now().UTC()
	}
	tx, err := us.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.QueryRowContext(ctx, `select username from users where id = $1 for update`, u.ID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update users
		set username = $1, email = $2, display_name = $3, active = $4, updated_at = $5
		where id = $6
	`, u.Username, u.Email, u.DisplayName, u.Active, u.UpdatedAt, u.ID); err != nil {
		return mapWriteError(err, auth.ErrDuplicateUsername)
	}
	if previous != u.Username {
		if _, err := tx.ExecContext(ctx, `
			update refresh_tokens
			set username = $1
			where username = $2 and (user_id = $3 or user_id = '')
		`, u.Username, previous, u.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (us userStore) UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error {
	if us.s.db == nil {
		return errNoDB
	}
	res, err := us.s.db.ExecContext(ctx, `
		update users set password_hash = $1, updated_at = $2 where id = $3
	`, passwordHash, at, userID)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

// Delete relies on user_roles cascading on the users foreign key.
func (us userStore) Delete(ctx context.Context, id string) error {
	if us.s.db == nil {
		return errNoDB
	}
	res, err := us.s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}
