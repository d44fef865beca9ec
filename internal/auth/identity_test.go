package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVerifyCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice", "correct horse", true)
	mustCreateUser(t, svc, "bob", "battery staple", false)

	ids := svc.Identity()
	if !ids.VerifyCredentials(ctx, "alice", "correct horse") {
		t.Fatal("expected valid credentials to verify")
	}
	cases := []struct{ user, pass string }{
		{"alice", "wrong"},
		{"Alice", "correct horse"},
		{"nobody", "correct horse"},
		{"bob", "battery staple"},
		{"alice", ""},
		{"", "correct horse"},
	}
	for _, tc := range cases {
		if ids.VerifyCredentials(ctx, tc.user, tc.pass) {
			t.Fatalf("expected %q/%q to be rejected", tc.user, tc.pass)
		}
		if _, err := ids.Authenticate(ctx, tc.user, tc.pass); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed for %q, got %v", tc.user, err)
		}
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, in := range []NewUser{
		{Username: "", Password: "x"},
		{Username: "   ", Password: "x"},
		{Username: "two words", Password: "x"},
		{Username: "carol", Password: ""},
	} {
		if _, err := svc.Identity().Create(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
}

func TestDuplicateUsername(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice", "pw", true)
	bob := mustCreateUser(t, svc, "bob", "pw", true)

	if _, err := svc.Identity().Create(ctx, NewUser{Username: "alice", Password: "other"}); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername on create, got %v", err)
	}
	rename := "alice"
	if _, err := svc.Identity().Update(ctx, bob.ID, UserUpdate{Username: &rename}); !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername on update, got %v", err)
	}
	// usernames are case-sensitive
	if _, err := svc.Identity().Create(ctx, NewUser{Username: "Alice", Password: "pw"}); err != nil {
		t.Fatalf("expected distinct case to be accepted: %v", err)
	}
}

func TestUpdateProfileAndCredential(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	alice := mustCreateUser(t, svc, "alice", "old-pass", true)

	clock.Advance(time.Second)
	email := "alice@example.com"
	updated, err := svc.Identity().Update(ctx, alice.ID, UserUpdate{Email: &email})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Email != email || !updated.UpdatedAt.After(alice.UpdatedAt) {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	if err := svc.Identity().UpdateCredential(ctx, alice.ID, "new-pass"); err != nil {
		t.Fatalf("UpdateCredential: %v", err)
	}
	if svc.Identity().VerifyCredentials(ctx, "alice", "old-pass") {
		t.Fatal("old password must stop working")
	}
	if !svc.Identity().VerifyCredentials(ctx, "alice", "new-pass") {
		t.Fatal("new password must work")
	}
	if err := svc.Identity().UpdateCredential(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenameKeepsSessionsWithOriginalUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	orig := mustCreateUser(t, svc, "alice", "first-pass", true)

	login, err := svc.Login(ctx, "alice", "first-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	renamed := "alice2"
	if _, err := svc.Identity().Update(ctx, orig.ID, UserUpdate{Username: &renamed}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	newcomer := mustCreateUser(t, svc, "alice", "second-pass", true)

	access, err := svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh after rename: %v", err)
	}
	claims, err := svc.Authority().ValidateAccessToken(access.Token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != orig.ID {
		t.Fatalf("refreshed token issued to %q, want original user %q", claims.Subject, orig.ID)
	}

	moved, err := svc.ListSessions(ctx, "alice2")
	if err != nil {
		t.Fatalf("ListSessions alice2: %v", err)
	}
	if len(moved) != 1 || moved[0].SessionID != login.SessionID {
		t.Fatalf("expected session to follow the rename, got %+v", moved)
	}
	left, err := svc.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSessions alice: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("new account inherited sessions: %+v", left)
	}

	if ok, err := svc.RevokeOwnToken(ctx, principalOf(newcomer), login.RefreshToken); err != nil || ok {
		t.Fatalf("new account revoked the original's token: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.RevokeAllSessions(ctx, "alice"); err != nil || ok {
		t.Fatalf("revoke-all under the reused name touched old sessions: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Refresh(ctx, login.RefreshToken); err != nil {
		t.Fatalf("original session should still refresh: %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	alice := mustCreateUser(t, svc, "alice", "pw", true)
	if _, err := svc.Authority().CreateRefreshToken(ctx, "alice"); err != nil {
		t.Fatalf("CreateRefreshToken: %v", err)
	}
	if err := svc.Identity().Delete(ctx, alice.ID); err != nil {
		t.Fatalf("Delete alice: %v", err)
	}
	kept, err := svc.Identity().FindByID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user with active session must be kept: %v", err)
	}
	if kept.Active {
		t.Fatal("user with active session must be deactivated")
	}

	bob := mustCreateUser(t, svc, "bob", "pw", true)
	grantViaRole(t, svc, bob, "Reader", "docs.read")
	if err := svc.Identity().Delete(ctx, bob.ID); err != nil {
		t.Fatalf("Delete bob: %v", err)
	}
	if _, err := svc.Identity().FindByID(ctx, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected bob to be removed, got %v", err)
	}
	if got, _ := store.Roles(ctx).Assignments(ctx, bob.ID); len(got) != 0 {
		t.Fatalf("expected assignments removed, got %v", got)
	}
	if err := svc.Identity().Delete(ctx, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
