package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RBACService manages the role/permission graph: role and permission
// catalogs, user->role assignments and role->permission grants.
type RBACService struct {
	store Store
	now   func() time.Time
}

func NewRBACService(store Store, now func() time.Time) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RBACService{store: store, now: now}, nil
}

// Roles ----------------------------------------------------------------------

func (s *RBACService) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	role := &Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: role %q", ErrDuplicateName, name)
		}
		return nil, err
	}
	return role, nil
}

func (s *RBACService) GetRole(ctx context.Context, id string) (*Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Find(ctx, id)
}

func (s *RBACService) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).FindByName(ctx, name)
}

func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

func (s *RBACService) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error) {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name cannot be empty", ErrInvalidInput)
		}
		role.Name = name
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Active != nil {
		role.Active = *upd.Active
	}
	role.UpdatedAt = s.now().UTC()
	if err := s.store.Roles(ctx).Update(ctx, role); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: role %q", ErrDuplicateName, role.Name)
		}
		return nil, err
	}
	return role, nil
}

// DeleteRole removes the role together with its assignments and grants.
func (s *RBACService) DeleteRole(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Delete(ctx, id)
}

// Permissions ----------------------------------------------------------------

func (s *RBACService) CreatePermission(ctx context.Context, in Permission) (*Permission, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	resource, action := splitPermissionName(name)
	if in.Resource = strings.TrimSpace(in.Resource); in.Resource == "" {
		in.Resource = resource
	}
	if in.Action = strings.TrimSpace(in.Action); in.Action == "" {
		in.Action = action
	}
	now := s.now().UTC()
	perm := &Permission{
		Name:        name,
		Resource:    in.Resource,
		Action:      in.Action,
		Description: strings.TrimSpace(in.Description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Permissions(ctx).Create(ctx, perm); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: permission %q", ErrDuplicateName, name)
		}
		return nil, err
	}
	return perm, nil
}

func (s *RBACService) GetPermission(ctx context.Context, id string) (*Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).Find(ctx, id)
}

func (s *RBACService) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).FindByName(ctx, name)
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (*Permission, error) {
	perm, err := s.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: permission name cannot be empty", ErrInvalidInput)
		}
		perm.Name = name
	}
	if upd.Resource != nil {
		perm.Resource = strings.TrimSpace(*upd.Resource)
	}
	if upd.Action != nil {
		perm.Action = strings.TrimSpace(*upd.Action)
	}
	if upd.Description != nil {
		perm.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Active != nil {
		perm.Active = *upd.Active
	}
	perm.UpdatedAt = s.now().UTC()
	if err := s.store.Permissions(ctx).Update(ctx, perm); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: permission %q", ErrDuplicateName, perm.Name)
		}
		return nil, err
	}
	return perm, nil
}

// DeletePermission removes the permission together with its grants.
func (s *RBACService) DeletePermission(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).Delete(ctx, id)
}

// Links ----------------------------------------------------------------------

// AssignRoleToUser links a user to a role. A second assignment of the same
// pair fails with ErrAlreadyAssigned.
func (s *RBACService) AssignRoleToUser(ctx context.Context, userID, roleID string) (RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	a := RoleAssignment{UserID: userID, RoleID: roleID, AssignedAt: s.now().UTC()}
	if err := s.store.Roles(ctx).Assign(ctx, a); err != nil {
		return RoleAssignment{}, linkError(err, "user already has this role", "user or role")
	}
	return a, nil
}

func (s *RBACService) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.Roles(ctx).Unassign(ctx, userID, roleID); err != nil {
		return linkError(err, "user does not have this role", "user or role")
	}
	return nil
}

func (s *RBACService) GrantPermissionToRole(ctx context.Context, roleID, permissionID string) (PermissionGrant, error) {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return PermissionGrant{}, fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	g := PermissionGrant{RoleID: roleID, PermissionID: permissionID, GrantedAt: s.now().UTC()}
	if err := s.store.Permissions(ctx).Grant(ctx, g); err != nil {
		return PermissionGrant{}, linkError(err, "role already has this permission", "role or permission")
	}
	return g, nil
}

func (s *RBACService) RevokePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	if err := s.store.Permissions(ctx).Revoke(ctx, roleID, permissionID); err != nil {
		return linkError(err, "role does not have this permission", "role or permission")
	}
	return nil
}

// UserRoles returns every role assigned to the user, active or not.
func (s *RBACService) UserRoles(ctx context.Context, userID string) ([]*Role, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	assignments, err := s.store.Roles(ctx).Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]*Role, 0, len(assignments))
	for _, a := range assignments {
		role, err := s.store.Roles(ctx).Find(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// RolePermissions returns every permission granted to the role, active or not.
func (s *RBACService) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	grants, err := s.store.Permissions(ctx).Grants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms := make([]*Permission, 0, len(grants))
	for _, g := range grants {
		perm, err := s.store.Permissions(ctx).Find(ctx, g.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

// EnsureBuiltins seeds the builtin permission catalog and roles. Existing
// records and links are left untouched, so repeated calls are harmless.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	byName := make(map[string]string, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		perm, err := s.ensurePermission(ctx, p)
		if err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Name, err)
		}
		byName[perm.Name] = perm.ID
	}
	for _, br := range BuiltinRoles {
		role, err := s.ensureRole(ctx, br)
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", br.Name, err)
		}
		for _, name := range br.Permissions {
			if _, err := s.GrantPermissionToRole(ctx, role.ID, byName[name]); err != nil && !errors.Is(err, ErrAlreadyAssigned) {
				return fmt.Errorf("grant %s to %s: %w", name, br.Name, err)
			}
		}
	}
	return nil
}

func (s *RBACService) ensurePermission(ctx context.Context, p Permission) (*Permission, error) {
	perm, err := s.store.Permissions(ctx).FindByName(ctx, p.Name)
	if err == nil {
		return perm, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	perm, err = s.CreatePermission(ctx, p)
	if errors.Is(err, ErrDuplicateName) {
		return s.store.Permissions(ctx).FindByName(ctx, p.Name)
	}
	return perm, err
}

func (s *RBACService) ensureRole(ctx context.Context, br BuiltinRole) (*Role, error) {
	role, err := s.store.Roles(ctx).FindByName(ctx, br.Name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	role, err = s.CreateRole(ctx, br.Name, br.Description)
	if errors.Is(err, ErrDuplicateName) {
		return s.store.Roles(ctx).FindByName(ctx, br.Name)
	}
	return role, err
}

func linkError(err error, conflict, subject string) error {
	switch {
	case errors.Is(err, ErrAlreadyAssigned):
		return fmt.Errorf("%w: %s", ErrAlreadyAssigned, conflict)
	case errors.Is(err, ErrNotAssigned):
		return fmt.Errorf("%w: %s", ErrNotAssigned, conflict)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	default:
		return err
	}
}

func splitPermissionName(name string) (resource, action string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
