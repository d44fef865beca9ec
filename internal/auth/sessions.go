package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// SessionRegistry is a read-only view over refresh token history.
type SessionRegistry struct {
	store Store
	now   func() time.Time
}

func NewSessionRegistry(store Store, now func() time.Time) (*SessionRegistry, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{store: store, now: now}, nil
}

// ListSessions groups the user's refresh tokens by session and projects the
// most recently created token of each group. Newest sessions come first;
// ties break on session id.
func (r *SessionRegistry) ListSessions(ctx context.Context, username string) ([]Session, error) {
	if strings.TrimSpace(username) == "" {
		return nil, nil
	}
	tokens, err := r.store.RefreshTokens(ctx).ListByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*RefreshToken, len(tokens))
	for _, tok := range tokens {
		cur, ok := latest[tok.SessionID]
		if !ok || newerToken(tok, cur) {
			latest[tok.SessionID] = tok
		}
	}

	now := r.now()
	sessions := make([]Session, 0, len(latest))
	for id, tok := range latest {
		sessions = append(sessions, Session{
			SessionID: id,
			CreatedAt: tok.CreatedAt,
			ExpiresAt: tok.ExpiresAt,
			Active:    !tok.Revoked && now.Before(tok.ExpiresAt),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions, nil
}

func newerToken(a, b *RefreshToken) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
