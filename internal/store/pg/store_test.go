package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"gatekeeper.dev/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice", "hash", "", "", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_username_key"})

	u := &auth.User{Username: "alice", PasswordHash: "hash", Active: true}
	if err := s.Users(ctx).Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || !u.CreatedAt.Equal(s.now()) || !u.UpdatedAt.Equal(u.CreatedAt) {
		t.Fatalf("expected id and timestamps to be filled: %+v", u)
	}
	err := s.Users(ctx).Create(ctx, &auth.User{Username: "alice", PasswordHash: "hash"})
	if !errors.Is(err, auth.ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	verify(t, mock)
}

func TestFindUser(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	created := s.now()

	cols := []string{"id", "username", "password_hash", "email", "display_name", "active", "created_at", "updated_at"}
	mock.ExpectQuery(`select .+ from users where username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "alice", "hash", "a@example.com", "Alice", true, created, created))
	mock.ExpectQuery(`select .+ from users where id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	u, err := s.Users(ctx).FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if u.ID != "u1" || u.Email != "a@example.com" || !u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := s.Users(ctx).Find(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestUpdateAndDeleteReportMissingRows(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`select username from users where id = \$1 for update`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}))
	mock.ExpectRollback()
	mock.ExpectExec("delete from roles where id").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update permissions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	if err := s.Users(ctx).Update(ctx, &auth.User{ID: "u1", Username: "alice"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Roles(ctx).Delete(ctx, "r1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Permissions(ctx).Update(ctx, &auth.Permission{ID: "p1", Name: "docs.edit"}); !errors.Is(err, auth.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	verify(t, mock)
}

func TestAssignmentErrors(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "r1", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "ghost", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectExec("delete from user_roles").
		WithArgs("u1", "r2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into role_permissions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("delete from role_permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	roles := s.Roles(ctx)
	if err := roles.Assign(ctx, auth.RoleAssignment{UserID: "u1", RoleID: "r1"}); !errors.Is(err, auth.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if err := roles.Assign(ctx, auth.RoleAssignment{UserID: "u1", RoleID: "ghost"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := roles.Unassign(ctx, "u1", "r2"); !errors.Is(err, auth.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	perms := s.Permissions(ctx)
	if err := perms.Grant(ctx, auth.PermissionGrant{RoleID: "r1", PermissionID: "p1"}); !errors.Is(err, auth.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if err := perms.Revoke(ctx, "r1", "p1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	verify(t, mock)
}

func TestAssignmentsAndGrants(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := s.now()

	mock.ExpectQuery("select user_id, role_id, assigned_at from user_roles").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role_id", "assigned_at"}).
			AddRow("u1", "r1", at).AddRow("u1", "r2", at))
	mock.ExpectQuery("select role_id, permission_id, granted_at from role_permissions").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "permission_id", "granted_at"}).AddRow("r1", "p1", at))

	assignments, err := s.Roles(ctx).Assignments(ctx, "u1")
	if err != nil || len(assignments) != 2 || assignments[1].RoleID != "r2" {
		t.Fatalf("unexpected assignments %+v err=%v", assignments, err)
	}
	grants, err := s.Permissions(ctx).Grants(ctx, "r1")
	if err != nil || len(grants) != 1 || grants[0].PermissionID != "p1" {
		t.Fatalf("unexpected grants %+v err=%v", grants, err)
	}
	verify(t, mock)
}

func TestRefreshTokenStatements(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	exp := s.now().Add(time.Hour)

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs(sqlmock.AnyArg(), "u1", "alice", "h1", "s1", exp, false, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "refresh_tokens_token_hash_key"})
	mock.ExpectExec(`update refresh_tokens set revoked = true where token_hash = \$1 and not revoked`).
		WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update refresh_tokens set revoked = true where token_hash = \$1 and not revoked`).
		WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`update refresh_tokens set revoked = true where session_id = \$1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`delete from refresh_tokens where expires_at < \$1`).
		WithArgs(exp).
		WillReturnResult(sqlmock.NewResult(0, 3))

	tokens := s.RefreshTokens(ctx)
	err := tokens.Create(ctx, &auth.RefreshToken{UserID: "u1", Username: "alice", Secret: "plain", TokenHash: "h1", SessionID: "s1", ExpiresAt: exp})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if ok, err := tokens.MarkRevoked(ctx, "h1"); err != nil || !ok {
		t.Fatalf("first MarkRevoked: ok=%v err=%v", ok, err)
	}
	if ok, err := tokens.MarkRevoked(ctx, "h1"); err != nil || ok {
		t.Fatalf("second MarkRevoked: ok=%v err=%v", ok, err)
	}
	if n, err := tokens.MarkSessionRevoked(ctx, "s1"); err != nil || n != 2 {
		t.Fatalf("MarkSessionRevoked: n=%d err=%v", n, err)
	}
	if n, err := tokens.DeleteExpired(ctx, exp); err != nil || n != 3 {
		t.Fatalf("DeleteExpired: n=%d err=%v", n, err)
	}
	verify(t, mock)
}

func TestFindTokenByHash(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := s.now()

	cols := []string{"id", "user_id", "username", "token_hash", "session_id", "expires_at", "revoked", "created_at"}
	mock.ExpectQuery(`select .+ from refresh_tokens where token_hash = \$1`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "u1", "alice", "h1", "s1", now.Add(time.Hour), false, now))
	mock.ExpectQuery(`select .+ from refresh_tokens where token_hash = \$1`).
		WithArgs("h2").
		WillReturnRows(sqlmock.NewRows(cols))

	tok, err := s.RefreshTokens(ctx).FindByHash(ctx, "h1")
	if err != nil || tok.SessionID != "s1" || tok.UserID != "u1" || tok.Secret != "" {
		t.Fatalf("unexpected token %+v err=%v", tok, err)
	}
	if _, err := s.RefreshTokens(ctx).FindByHash(ctx, "h2"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestRenameMovesRefreshTokens(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`select username from users where id = \$1 for update`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice"))
	mock.ExpectExec("update users set username").
		WithArgs("alice2", "", "", true, sqlmock.AnyArg(), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update refresh_tokens set username = \$1 where username = \$2 and \(user_id = \$3 or user_id = ''\)`).
		WithArgs("alice2", "alice", "u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	// unchanged username leaves tokens alone
	mock.ExpectBegin()
	mock.ExpectQuery(`select username from users where id = \$1 for update`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice2"))
	mock.ExpectExec("update users set username").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// a duplicate name rolls everything back
	mock.ExpectBegin()
	mock.ExpectQuery(`select username from users where id = \$1 for update`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice2"))
	mock.ExpectExec("update users set username").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_username_key"})
	mock.ExpectRollback()

	users := s.Users(ctx)
	if err := users.Update(ctx, &auth.User{ID: "u1", Username: "alice2", Active: true}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := users.Update(ctx, &auth.User{ID: "u1", Username: "alice2", Active: false}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := users.Update(ctx, &auth.User{ID: "u1", Username: "bob"}); !errors.Is(err, auth.ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	verify(t, mock)
}

func TestEffectivePermissionsSingleQuery(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := s.now()

	cols := []string{"id", "name", "resource", "action", "description", "active", "created_at", "updated_at"}
	mock.ExpectQuery(`select distinct p.id, .+ from user_roles ur join roles r on r.id = ur.role_id and r.active .+ where ur.user_id = \$1 order by p.name`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p2", "docs.comment", "docs", "comment", "", true, at, at).
			AddRow("p1", "docs.edit", "docs", "edit", "", true, at, at))

	perms, err := s.Permissions(ctx).Effective(ctx, "u1")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if len(perms) != 2 || perms[0].Name != "docs.comment" || perms[1].ID != "p1" {
		t.Fatalf("unexpected permissions: %+v", perms)
	}
	verify(t, mock)
}
