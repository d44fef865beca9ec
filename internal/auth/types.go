package auth

import "time"

// User is the root identity aggregate.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permission grants.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a named capability following the resource.action convention.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleAssignment links a user to a role.
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// PermissionGrant links a role to a permission.
type PermissionGrant struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	GrantedAt    time.Time `json:"granted_at"`
}

// RefreshToken is a persisted refresh token record. Secret is only populated
// on the value returned from creation; storage keeps the hash.
type RefreshToken struct {
	ID        string
	UserID    string
	Username  string
	Secret    string
	TokenHash string
	SessionID string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Session is the read-time view of one refresh token lineage.
type Session struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"is_active"`
}

// SessionStatus answers whether a presented refresh token still backs a live session.
type SessionStatus struct {
	Authenticated bool   `json:"is_authenticated"`
	Username      string `json:"username,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// NewUser carries the input for creating a user.
type NewUser struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
	Active      bool
}

type UserUpdate struct {
	Username    *string
	Email       *string
	DisplayName *string
	Active      *bool
}

type RoleUpdate struct {
	Name        *string
	Description *string
	Active      *bool
}

type PermissionUpdate struct {
	Name        *string
	Resource    *string
	Action      *string
	Description *string
	Active      *bool
}
