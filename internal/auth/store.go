package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Lookups that miss return ErrNotFound; callers translate it into the
// outcome that fits their contract.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	// Update saves the user. A username change moves the user's refresh
	// tokens to the new name in the same write.
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error
	// Delete removes the user and its role assignments.
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	// Delete removes the role with its assignments and grants.
	Delete(ctx context.Context, id string) error

	Assign(ctx context.Context, a RoleAssignment) error
	Unassign(ctx context.Context, userID, roleID string) error
	Assignments(ctx context.Context, userID string) ([]RoleAssignment, error)
}

// PermissionStore manages the permission catalog and role grants.
type PermissionStore interface {
	Create(ctx context.Context, perm *Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	FindByName(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context) ([]*Permission, error)
	Update(ctx context.Context, perm *Permission) error
	// Delete removes the permission with its grants.
	Delete(ctx context.Context, id string) error

	Grant(ctx context.Context, g PermissionGrant) error
	Revoke(ctx context.Context, roleID, permissionID string) error
	Grants(ctx context.Context, roleID string) ([]PermissionGrant, error)
	// Effective returns the active permissions reachable from the user's
	// active roles, read as one snapshot and sorted by name.
	Effective(ctx context.Context, userID string) ([]*Permission, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	// Create fails with ErrConflict when the token hash already exists.
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	ListByUsername(ctx context.Context, username string) ([]*RefreshToken, error)
	// MarkRevoked reports whether an unrevoked row with the hash was flipped.
	MarkRevoked(ctx context.Context, tokenHash string) (bool, error)
	// MarkSessionRevoked returns the number of rows in the session.
	MarkSessionRevoked(ctx context.Context, sessionID string) (int64, error)
	// MarkUserRevoked returns the number of rows owned by username.
	MarkUserRevoked(ctx context.Context, username string) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
