package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolverGrantsThroughActiveRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	role, perm := grantViaRole(t, svc, alice, "Editor", "docs.edit")
	p := principalOf(alice)
	r := svc.Resolver()

	if !r.HasPermission(ctx, p, "docs.edit") {
		t.Fatal("expected alice to hold docs.edit")
	}
	if r.HasPermission(ctx, p, "docs.delete") {
		t.Fatal("unexpected docs.delete")
	}

	off := false
	if _, err := svc.RBAC().UpdateRole(ctx, role.ID, RoleUpdate{Active: &off}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if r.HasPermission(ctx, p, "docs.edit") {
		t.Fatal("inactive role must not grant permissions")
	}
	on := true
	if _, err := svc.RBAC().UpdateRole(ctx, role.ID, RoleUpdate{Active: &on}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if _, err := svc.RBAC().UpdatePermission(ctx, perm.ID, PermissionUpdate{Active: &off}); err != nil {
		t.Fatalf("UpdatePermission: %v", err)
	}
	if r.HasPermission(ctx, p, "docs.edit") {
		t.Fatal("inactive permission must not be granted")
	}
}

func TestEffectivePermissionsDeduplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	grantViaRole(t, svc, alice, "Editor", "docs.edit")
	grantViaRole(t, svc, alice, "Reviewer", "docs.edit")
	grantViaRole(t, svc, alice, "Reviewer2", "docs.comment")

	perms, err := svc.Resolver().EffectivePermissions(ctx, alice.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(perms) != 2 || perms[0].Name != "docs.comment" || perms[1].Name != "docs.edit" {
		t.Fatalf("unexpected permissions: %+v", perms)
	}
}

func TestResolverModes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	grantViaRole(t, svc, alice, "Editor", "docs.edit")
	p := principalOf(alice)
	r := svc.Resolver()

	cases := []struct {
		name  string
		mode  Mode
		perms []string
		want  Decision
	}{
		{"any with one held", ModeAny, []string{"docs.delete", "docs.edit"}, Allow},
		{"any with none held", ModeAny, []string{"docs.delete", "docs.publish"}, Deny},
		{"all with one missing", ModeAll, []string{"docs.delete", "docs.edit"}, Deny},
		{"all held", ModeAll, []string{"docs.edit"}, Allow},
		{"empty any", ModeAny, nil, Deny},
		{"empty all", ModeAll, nil, Deny},
	}
	for _, tc := range cases {
		if got := r.Authorize(ctx, p, tc.mode, tc.perms...); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
	if !r.HasAny(ctx, p, "x", "docs.edit") || r.HasAll(ctx, p, "x", "docs.edit") {
		t.Fatal("HasAny/HasAll disagree with Authorize")
	}
}

func TestResolverDeniesUnknownOrInactivePrincipals(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	grantViaRole(t, svc, alice, "Editor", "docs.edit")
	r := svc.Resolver()

	if r.HasPermission(ctx, Anonymous, "docs.edit") {
		t.Fatal("anonymous principal must be denied")
	}
	unauth := principalOf(alice)
	unauth.Authenticated = false
	if r.HasPermission(ctx, unauth, "docs.edit") {
		t.Fatal("unauthenticated principal must be denied")
	}
	if r.HasPermission(ctx, Principal{Authenticated: true, UserID: "ghost"}, "docs.edit") {
		t.Fatal("unknown user must be denied")
	}

	off := false
	if _, err := svc.Identity().Update(ctx, alice.ID, UserUpdate{Active: &off}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if r.HasPermission(ctx, principalOf(alice), "docs.edit") {
		t.Fatal("inactive user must be denied")
	}
}

type failingPermissions struct {
	PermissionStore
}

func (failingPermissions) Effective(context.Context, string) ([]*Permission, error) {
	return nil, errors.New("storage unavailable")
}

type failingStore struct {
	*InMemory
}

func (s failingStore) Permissions(ctx context.Context) PermissionStore {
	return failingPermissions{s.InMemory.Permissions(ctx)}
}

func TestResolverFailsClosedOnStoreError(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	grantViaRole(t, svc, alice, "Editor", "docs.edit")

	r, err := NewResolver(failingStore{store}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if r.HasPermission(ctx, principalOf(alice), "docs.edit") {
		t.Fatal("store errors must deny")
	}
	if _, err := r.EffectivePermissions(ctx, alice.ID); err == nil {
		t.Fatal("expected EffectivePermissions to surface the store error")
	}
}
