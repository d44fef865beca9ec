package pg

import (
	"context"
	"database/sql"
	"errors"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/ids"
)

const permissionColumns = `id, name, resource, action, description, active, created_at, updated_at`

type permissionStore struct{ s *Store }

func scanPermission(row scanner) (*auth.Permission, error) {
	var p auth.Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (ps permissionStore) Create(ctx context.Context, p *auth.Permission) error {
	if ps.s.db == nil {
		return errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	ps.s.stamp(&p.CreatedAt, &p.UpdatedAt)
	_, err := ps.s.db.ExecContext(ctx, `
		insert into permissions (`+permissionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Name, p.Resource, p.Action, p.Description, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrDuplicateName)
	}
	return nil
}

func (ps permissionStore) Find(ctx context.Context, id string) (*auth.Permission, error) {
	if ps.s.db == nil {
		return nil, errNoDB
	}
	return scanPermission(ps.s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id))
}

func (ps permissionStore) FindByName(ctx context.Context, name string) (*auth.Permission, error) {
	if ps.s.db == nil {
		return nil, errNoDB
	}
	return scanPermission(ps.s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name))
}

func (ps permissionStore) List(ctx context.Context) ([]*auth.Permission, error) {
	if ps.s.db == nil {
		return nil, errNoDB
	}
	rows, err := ps.s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (ps permissionStore) Update(ctx context.Context, p *auth.Permission) error {
	if ps.s.db == nil {
		return errNoDB
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = ps.s.now().UTC()
	}
	res, err := ps.s.db.ExecContext(ctx, `
		update permissions
		set name = $1, resource = $2, action = $3, description = $4, active = $5, updated_at = $6
		where id = $7
	`, p.Name, p.Resource, p.Action, p.Description, p.Active, p.UpdatedAt, p.ID)
	if err != nil {
		return mapWriteError(err, auth.ErrDuplicateName)
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (ps permissionStore) Delete(ctx context.Context, id string) error {
	if ps.s.db == nil {
		return errNoDB
	}
	res, err := ps.s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (ps permissionStore) Grant(ctx context.Context, g auth.PermissionGrant) error {
	if ps.s.db == nil {
		return errNoDB
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = ps.s.now().UTC()
	}
	_, err := ps.s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id, granted_at) values ($1, $2, $3)
	`, g.RoleID, g.PermissionID, g.GrantedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrAlreadyAssigned)
	}
	return nil
}

func (ps permissionStore) Revoke(ctx context.Context, roleID, permissionID string) error {
	if ps.s.db == nil {
		return errNoDB
	}
	res, err := ps.s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotAssigned)
}

func (ps permissionStore) Grants(ctx context.Context, roleID string) ([]auth.PermissionGrant, error) {
	if ps.s.db == nil {
		return nil, errNoDB
	}
	rows, err := ps.s.db.QueryContext(ctx, `
		select role_id, permission_id, granted_at
		from role_permissions
		where role_id = $1
		order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.PermissionGrant
	for rows.Next() {
		var g auth.PermissionGrant
		if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Effective resolves the user's active permissions in one statement, so the
// answer comes from a single snapshot of the role graph.
func (ps permissionStore) Effective(ctx context.Context, userID string) ([]*auth.Permission, error) {
	if ps.s.db == nil {
		return nil, errNoDB
	}
	rows, err := ps.s.db.QueryContext(ctx, `
		select distinct p.id, p.name, p.resource, p.action, p.description, p.active, p.created_at, p.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id and r.active
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id and p.active
		where ur.user_id = $1
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
