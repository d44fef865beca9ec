package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// IdentityService owns user records and credential verification.
type IdentityService struct {
	store Store
	now   func() time.Time
}

// NewIdentityService constructs IdentityService. A nil clock defaults to time.Now.
func NewIdentityService(store Store, now func() time.Time) (*IdentityService, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &IdentityService{store: store, now: now}, nil
}

// VerifyCredentials reports whether username exists, is active and password matches.
func (s *IdentityService) VerifyCredentials(ctx context.Context, username, password string) bool {
	_, err := s.Authenticate(ctx, username, password)
	return err == nil
}

// Authenticate returns the user behind valid credentials. Every failure is
// ErrAuthenticationFailed; a missing user still pays for one hash comparison.
func (s *IdentityService) Authenticate(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, ErrAuthenticationFailed
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		_ = VerifyPassword(dummyHash, password)
		return nil, ErrAuthenticationFailed
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrAuthenticationFailed
	}
	if !user.Active {
		return nil, ErrAuthenticationFailed
	}
	return user, nil
}

func (s *IdentityService) FindByUsername(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	return s.store.Users(ctx).FindByUsername(ctx, username)
}

func (s *IdentityService) FindByID(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Users(ctx).Find(ctx, id)
}

func (s *IdentityService) List(ctx context.Context) ([]*User, error) {
	return s.store.Users(ctx).List(ctx)
}

// Create validates input, hashes the password and persists the user.
func (s *IdentityService) Create(ctx context.Context, in NewUser) (*User, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		Username:     username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(in.Email),
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Active:       in.Active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Update applies the non-nil fields of upd.
func (s *IdentityService) Update(ctx context.Context, id string, upd UserUpdate) (*User, error) {
	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Username != nil {
		username, err := normalizeUsername(*upd.Username)
		if err != nil {
			return nil, err
		}
		user.Username = username
	}
	if upd.Email != nil {
		user.Email = strings.TrimSpace(*upd.Email)
	}
	if upd.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*upd.DisplayName)
	}
	if upd.Active != nil {
		user.Active = *upd.Active
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *IdentityService) UpdateCredential(ctx context.Context, id, password string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.Users(ctx).UpdatePassword(ctx, id, hash, s.now().UTC())
}

// Delete removes the user. A user that still backs an active session is
// deactivated instead so its refresh token history stays attributable.
func (s *IdentityService) Delete(ctx context.Context, id string) error {
	user, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	tokens, err := s.store.RefreshTokens(ctx).ListByUsername(ctx, user.Username)
	if err != nil {
		return err
	}
	now := s.now()
	for _, tok := range tokens {
		if tok.Revoked || !now.Before(tok.ExpiresAt) {
			continue
		}
		user.Active = false
		user.UpdatedAt = now.UTC()
		return s.store.Users(ctx).Update(ctx, user)
	}
	return s.store.Users(ctx).Delete(ctx, user.ID)
}

func normalizeUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
	}
	return username, nil
}
