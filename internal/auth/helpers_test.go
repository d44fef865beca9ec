package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testSigningSecret = "test-signing-secret-0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, opts ...AuthorityOption) (*Service, *InMemory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewInMemory(WithStoreClock(clock.Now))
	base := []AuthorityOption{WithSigningSecret(testSigningSecret), WithClock(clock.Now)}
	svc, err := NewService(store, zerolog.Nop(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clock
}

func mustCreateUser(t *testing.T, svc *Service, username, password string, active bool) *User {
	t.Helper()
	u, err := svc.Identity().Create(context.Background(), NewUser{Username: username, Password: password, Active: active})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

// grantViaRole creates role and permission (when missing) and links them to user.
func grantViaRole(t *testing.T, svc *Service, user *User, roleName, permName string) (*Role, *Permission) {
	t.Helper()
	ctx := context.Background()
	rbac := svc.RBAC()
	role, err := rbac.GetRoleByName(ctx, roleName)
	if err != nil {
		if role, err = rbac.CreateRole(ctx, roleName, ""); err != nil {
			t.Fatalf("create role: %v", err)
		}
	}
	perm, err := rbac.GetPermissionByName(ctx, permName)
	if err != nil {
		if perm, err = rbac.CreatePermission(ctx, Permission{Name: permName}); err != nil {
			t.Fatalf("create permission: %v", err)
		}
	}
	if _, err := rbac.GrantPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := rbac.AssignRoleToUser(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return role, perm
}

func principalOf(u *User) Principal {
	return Principal{Authenticated: true, UserID: u.ID, Username: u.Username}
}
