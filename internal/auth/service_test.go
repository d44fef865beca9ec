package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginRefreshLogout(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "correct horse", true)

	res, err := svc.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.UserID != alice.ID || res.AccessToken == "" || res.RefreshToken == "" || res.SessionID == "" {
		t.Fatalf("unexpected login result: %+v", res)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Refresh(ctx, res.RefreshToken); err != nil {
			t.Fatalf("refresh #%d: %v", i+1, err)
		}
	}
	st := svc.Status(ctx, res.RefreshToken)
	if !st.Authenticated || st.Username != "alice" || st.SessionID != res.SessionID {
		t.Fatalf("unexpected status: %+v", st)
	}

	if err := svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := svc.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("second Logout must be a no-op: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if st := svc.Status(ctx, res.RefreshToken); st.Authenticated {
		t.Fatalf("expected unauthenticated status, got %+v", st)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice", "pw", true)
	mustCreateUser(t, svc, "bob", "pw", false)

	for _, tc := range []struct{ user, pass string }{
		{"alice", "nope"},
		{"bob", "pw"},
		{"carol", "pw"},
	} {
		if _, err := svc.Login(ctx, tc.user, tc.pass); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed for %s, got %v", tc.user, err)
		}
	}
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	res, err := svc.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	off := false
	if _, err := svc.Identity().Update(ctx, alice.ID, UserUpdate{Active: &off}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRevokeOwnSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice", "pw", true)
	mustCreateUser(t, svc, "bob", "pw", true)
	aliceLogin, _ := svc.Login(ctx, "alice", "pw")
	bobLogin, _ := svc.Login(ctx, "bob", "pw")

	ok, err := svc.RevokeOwnSession(ctx, "alice", bobLogin.SessionID)
	if err != nil || ok {
		t.Fatalf("foreign session must not be revoked: ok=%v err=%v", ok, err)
	}
	if st := svc.Status(ctx, bobLogin.RefreshToken); !st.Authenticated {
		t.Fatal("bob's session must survive")
	}
	ok, err = svc.RevokeOwnSession(ctx, "alice", aliceLogin.SessionID)
	if err != nil || !ok {
		t.Fatalf("RevokeOwnSession: ok=%v err=%v", ok, err)
	}
	sessions, _ := svc.ListSessions(ctx, "alice")
	if len(sessions) != 1 || sessions[0].Active {
		t.Fatalf("expected one inactive session, got %+v", sessions)
	}
}

func TestRevokeOwnTokenChecksOwnership(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "pw", true)
	bob := mustCreateUser(t, svc, "bob", "pw", true)

	res, err := svc.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(defaultRefreshTTL + time.Hour)

	revoked := func() bool {
		t.Helper()
		rec, err := store.RefreshTokens(ctx).FindByHash(ctx, hashSecret(res.RefreshToken))
		if err != nil {
			t.Fatalf("FindByHash: %v", err)
		}
		return rec.Revoked
	}

	if ok, err := svc.RevokeOwnToken(ctx, principalOf(bob), res.RefreshToken); err != nil || ok {
		t.Fatalf("foreign expired token: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.RevokeOwnToken(ctx, Anonymous, res.RefreshToken); err != nil || ok {
		t.Fatalf("anonymous caller: ok=%v err=%v", ok, err)
	}
	if revoked() {
		t.Fatal("token of another user must stay unrevoked")
	}
	if ok, err := svc.RevokeOwnToken(ctx, principalOf(bob), "no-such-token"); err != nil || ok {
		t.Fatalf("unknown token: ok=%v err=%v", ok, err)
	}

	if ok, err := svc.RevokeOwnToken(ctx, principalOf(alice), res.RefreshToken); err != nil || !ok {
		t.Fatalf("owner revoking expired token: ok=%v err=%v", ok, err)
	}
	if !revoked() {
		t.Fatal("owner's token should be revoked")
	}
}

func TestRevokeAllSessions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice", "pw", true)
	first, _ := svc.Login(ctx, "alice", "pw")
	second, _ := svc.Login(ctx, "alice", "pw")

	ok, err := svc.RevokeAllSessions(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("RevokeAllSessions: ok=%v err=%v", ok, err)
	}
	for _, secret := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := svc.Refresh(ctx, secret); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("expected revoked session, got %v", err)
		}
	}
}

func TestBootstrapAndAuthorize(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.Bootstrap(ctx, "admin", "admin-password"); err != nil {
			t.Fatalf("Bootstrap #%d: %v", i+1, err)
		}
	}

	res, err := svc.Login(ctx, "admin", "admin-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, err := svc.Authenticate(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !p.HasRole(RoleAdministrator) {
		t.Fatalf("expected administrator role claim, got %v", p.Roles)
	}
	perms, err := svc.Resolver().EffectivePermissions(ctx, p.UserID)
	if err != nil || len(perms) != len(BuiltinPermissions) {
		t.Fatalf("expected every builtin permission, got %d err=%v", len(perms), err)
	}
	if svc.Authorize(ctx, p, ModeAll, PermUsersEdit, PermRolesDelete) != Allow {
		t.Fatal("administrator must be allowed")
	}

	mustCreateUser(t, svc, "carol", "pw", true)
	carol, _ := svc.Login(ctx, "carol", "pw")
	cp, err := svc.Authenticate(ctx, carol.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if svc.Authorize(ctx, cp, ModeAny, PermUsersEdit) != Deny {
		t.Fatal("user without roles must be denied")
	}
	if _, err := svc.Authenticate(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
