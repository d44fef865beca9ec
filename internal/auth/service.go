package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gatekeeper.dev/internal/obs"
)

// Service is the inbound surface of the auth subsystem: login, access token
// renewal, logout, revocation, session listing and authorization.
type Service struct {
	identity  *IdentityService
	rbac      *RBACService
	resolver  *Resolver
	authority *Authority
	sessions  *SessionRegistry
	log       zerolog.Logger
}

// LoginResult carries the credentials handed to a client after login.
type LoginResult struct {
	UserID           string
	Username         string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// NewService wires every component over one store. Authority options carry
// the signing key, lifetimes and clock; the clock is shared by all parts.
func NewService(store Store, log zerolog.Logger, opts ...AuthorityOption) (*Service, error) {
	resolver, err := NewResolver(store, log)
	if err != nil {
		return nil, err
	}
	opts = append([]AuthorityOption{WithLogger(log)}, opts...)
	authority, err := NewAuthority(store, resolver, opts...)
	if err != nil {
		return nil, err
	}
	identity, err := NewIdentityService(store, authority.now)
	if err != nil {
		return nil, err
	}
	rbac, err := NewRBACService(store, authority.now)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionRegistry(store, authority.now)
	if err != nil {
		return nil, err
	}
	return &Service{
		identity:  identity,
		rbac:      rbac,
		resolver:  resolver,
		authority: authority,
		sessions:  sessions,
		log:       log,
	}, nil
}

func (s *Service) Identity() *IdentityService { return s.identity }
func (s *Service) RBAC() *RBACService { return s.rbac }
func (s *Service) Resolver() *Resolver { return s.resolver }
func (s *Service) Authority() *Authority { return s.authority }
func (s *Service) Sessions() *SessionRegistry { return s.sessions }

// Bootstrap seeds the builtin catalog and, when a username is given, an
// active administrator account.
func (s *Service) Bootstrap(ctx context.Context, adminUsername, adminPassword string) error {
	if err := s.rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}
	if adminUsername == "" {
		return nil
	}
	admin, err := s.identity.FindByUsername(ctx, adminUsername)
	switch {
	case errors.Is(err, ErrNotFound):
		admin, err = s.identity.Create(ctx, NewUser{
			Username:    adminUsername,
			Password:    adminPassword,
			DisplayName: "System Administrator",
			Active:      true,
		})
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		s.log.Info().Str("username", adminUsername).Msg("bootstrap administrator created")
	case err != nil:
		return err
	}
	role, err := s.rbac.GetRoleByName(ctx, RoleAdministrator)
	if err != nil {
		return err
	}
	if _, err := s.rbac.AssignRoleToUser(ctx, admin.ID, role.ID); err != nil && !errors.Is(err, ErrAlreadyAssigned) {
		return err
	}
	return nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.identity.Authenticate(ctx, username, password)
	if err != nil {
		obs.RecordLogin("failure")
		s.log.Warn().Str("username", username).Msg("login failed")
		return LoginResult{}, ErrAuthenticationFailed
	}
	access, err := s.authority.issueFor(ctx, user)
	if err != nil {
		obs.RecordLogin("error")
		if errors.Is(err, ErrUserInactive) {
			return LoginResult{}, ErrAuthenticationFailed
		}
		return LoginResult{}, err
	}
	refresh, err := s.authority.CreateRefreshToken(ctx, user.Username)
	if err != nil {
		obs.RecordLogin("error")
		return LoginResult{}, err
	}
	obs.RecordLogin("success")
	s.log.Info().
		Str("user_id", user.ID).
		Str("username", user.Username).
		Str("session_id", refresh.SessionID).
		Msg("login succeeded")
	return LoginResult{
		UserID:           user.ID,
		Username:         user.Username,
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Secret,
		RefreshExpiresAt: refresh.ExpiresAt,
		SessionID:        refresh.SessionID,
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token. Any reason
// the refresh token cannot be used surfaces as ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AccessToken, error) {
	access, err := s.authority.RotateAccessToken(ctx, refreshToken)
	switch {
	case err == nil:
		obs.RecordRefresh("success")
		return access, nil
	case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrUserInactive):
		obs.RecordRefresh("rejected")
		return AccessToken{}, ErrInvalidRefreshToken
	default:
		obs.RecordRefresh("error")
		return AccessToken{}, err
	}
}

// Logout revokes the presented refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if _, err := s.RevokeToken(ctx, refreshToken); err != nil {
		return err
	}
	return nil
}

// RevokeToken reports true when the token was revoked and false when it was
// unknown or already revoked.
func (s *Service) RevokeToken(ctx context.Context, refreshToken string) (bool, error) {
	ok, err := s.authority.Revoke(ctx, refreshToken)
	if err != nil {
		return false, err
	}
	if ok {
		obs.RecordRevocation("token")
	}
	return ok, nil
}

// RevokeOwnToken revokes refreshToken only when it belongs to p, whatever
// the token's state. Tokens of other users are left untouched and reported
// as not revoked.
func (s *Service) RevokeOwnToken(ctx context.Context, p Principal, refreshToken string) (bool, error) {
	if !p.Authenticated {
		return false, nil
	}
	rec, err := s.authority.LookupRefreshToken(ctx, refreshToken)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ownedBy(rec, p) {
		return false, nil
	}
	return s.RevokeToken(ctx, refreshToken)
}

func ownedBy(rec *RefreshToken, p Principal) bool {
	if rec.UserID != "" {
		return rec.UserID == p.UserID
	}
	return p.Username != "" && rec.Username == p.Username
}

func (s *Service) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.authority.RevokeSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		obs.RecordRevocation("session")
		s.log.Info().Str("session_id", sessionID).Msg("session revoked")
	}
	return ok, nil
}

// RevokeOwnSession revokes sessionID only when it belongs to username.
func (s *Service) RevokeOwnSession(ctx context.Context, username, sessionID string) (bool, error) {
	sessions, err := s.sessions.ListSessions(ctx, username)
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if sess.SessionID == sessionID {
			return s.RevokeSession(ctx, sessionID)
		}
	}
	return false, nil
}

func (s *Service) RevokeAllSessions(ctx context.Context, username string) (bool, error) {
	ok, err := s.authority.RevokeAllForUser(ctx, username)
	if err != nil {
		return false, err
	}
	if ok {
		obs.RecordRevocation("user")
		s.log.Info().Str("username", username).Msg("all sessions revoked")
	}
	return ok, nil
}

func (s *Service) ListSessions(ctx context.Context, username string) ([]Session, error) {
	return s.sessions.ListSessions(ctx, username)
}

// Authenticate validates an access token and returns its principal.
func (s *Service) Authenticate(_ context.Context, accessToken string) (Principal, error) {
	claims, err := s.authority.ValidateAccessToken(accessToken)
	if err != nil {
		return Anonymous, err
	}
	return claims.Principal(), nil
}

func (s *Service) Authorize(ctx context.Context, p Principal, mode Mode, names ...string) Decision {
	return s.resolver.Authorize(ctx, p, mode, names...)
}

// Status reports whether the refresh token backs a live session.
func (s *Service) Status(ctx context.Context, refreshToken string) SessionStatus {
	rec, err := s.authority.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		return SessionStatus{}
	}
	return SessionStatus{Authenticated: true, Username: rec.Username, SessionID: rec.SessionID}
}

// PurgeExpiredTokens removes refresh tokens that expired before now-retention.
func (s *Service) PurgeExpiredTokens(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.authority.PurgeExpired(ctx, retention)
	if err != nil {
		return 0, err
	}
	obs.RecordPurge(n)
	return n, nil
}
