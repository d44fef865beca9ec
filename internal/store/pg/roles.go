package pg

import (
	"context"
	"database/sql"
	"errors"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/ids"
)

const roleColumns = `id, name, description, active, created_at, updated_at`

type roleStore struct{ s *Store }

func scanRole(row scanner) (*auth.Role, error) {
	var r auth.Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (rs roleStore) Create(ctx context.Context, r *auth.Role) error {
	if rs.s.db == nil {
		return errNoDB
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	rs.s.stamp(&r.CreatedAt, &r.UpdatedAt)
	_, err := rs.s.db.ExecContext(ctx, `
		insert into roles (`+roleColumns+`)
		values ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.Name, r.Description, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrDuplicateName)
	}
	return nil
}

func (rs roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	if rs.s.db == nil {
		return nil, errNoDB
	}
	return scanRole(rs.s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
}

func (rs roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	if rs.s.db == nil {
		return nil, errNoDB
	}
	return scanRole(rs.s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
}

func (rs roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	if rs.s.db == nil {
		return nil, errNoDB
	}
	rows, err := rs.s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (rs roleStore) Update(ctx context.Context, r *auth.Role) error {
	if rs.s.db == nil {
		return errNoDB
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = rs.s.now().UTC()
	}
	res, err := rs.s.db.ExecContext(ctx, `
		update roles set name = $1, description = $2, active = $3, updated_at = $4
		where id = $5
	`, r.Name, r.Description, r.Active, r.UpdatedAt, r.ID)
	if err != nil {
		return mapWriteError(err, auth.ErrDuplicateName)
	}
	return expectAffected(res, auth.ErrNotFound)
}

// Delete relies on user_roles and role_permissions cascading.
func (rs roleStore) Delete(ctx context.Context, id string) error {
	if rs.s.db == nil {
		return errNoDB
	}
	res, err := rs.s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (rs roleStore) Assign(ctx context.Context, a auth.RoleAssignment) error {
	if rs.s.db == nil {
		return errNoDB
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = rs.s.now().UTC()
	}
	_, err := rs.s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_at) values ($1, $2, $3)
	`, a.UserID, a.RoleID, a.AssignedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrAlreadyAssigned)
	}
	return nil
}

func (rs roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	if rs.s.db == nil {
		return errNoDB
	}
	res, err := rs.s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotAssigned)
}

func (rs roleStore) Assignments(ctx context.Context, userID string) ([]auth.RoleAssignment, error) {
	if rs.s.db == nil {
		return nil, errNoDB
	}
	rows, err := rs.s.db.QueryContext(ctx, `
		select user_id, role_id, assigned_at
		from user_roles
		where user_id = $1
		order by role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RoleAssignment
	for rows.Next() {
		var a auth.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
