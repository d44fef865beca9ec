package httpapi

import (
	"net/http"
	"strings"
	"time"

	"gatekeeper.dev/internal/audit"
	"gatekeeper.dev/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	UserID           string    `json:"user_id"`
	Username         string    `json:"username"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

type accessResponse struct {
	TokenType   string    `json:"token_type"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type revokeResponse struct {
	Revoked bool `json:"revoked"`
}

type sessionsResponse struct {
	Username string         `json:"username"`
	Sessions []auth.Session `json:"sessions"`
}

type meResponse struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	res, err := a.svc.Login(r.Context(), username, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"username":  username,
			"remote_ip": a.proxies.ClientIP(r),
		})
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"user_id":    res.UserID,
		"username":   res.Username,
		"session_id": res.SessionID,
		"remote_ip":  a.proxies.ClientIP(r),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		UserID:           res.UserID,
		Username:         res.Username,
		TokenType:        "Bearer",
		AccessToken:      res.AccessToken,
		ExpiresAt:        res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		SessionID:        res.SessionID,
	})
}

// readRefreshToken decodes a POST body carrying a refresh token. It writes
// the error response itself and reports whether the handler may continue.
func readRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return "", false
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return "", false
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return "", false
	}
	return token, true
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := readRefreshToken(w, r)
	if !ok {
		return
	}
	access, err := a.svc.Refresh(r.Context(), token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{
		TokenType:   "Bearer",
		AccessToken: access.Token,
		ExpiresAt:   access.ExpiresAt,
	})
}

// handleLogout always answers 204 so a client cannot probe which refresh
// tokens exist.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := readRefreshToken(w, r)
	if !ok {
		return
	}
	status := a.svc.Status(r.Context(), token)
	if err := a.svc.Logout(r.Context(), token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if status.Authenticated {
		_ = audit.LogEvent(r.Context(), audit.EventLogout, map[string]any{
			"username":   status.Username,
			"session_id": status.SessionID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	token, ok := readRefreshToken(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Status(r.Context(), token))
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	perms, err := a.svc.Resolver().EffectivePermissions(r.Context(), principal.UserID)
	if err != nil {
		a.log.Error().Err(err).Str("user_id", principal.UserID).Msg("effective permissions failed")
		handleAuthError(w, r, err)
		return
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	roles := principal.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:      principal.UserID,
		Username:    principal.Username,
		Roles:       roles,
		Permissions: names,
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	a.writeSessions(w, r, principal.Username)
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, "session id is required")
		return
	}
	ok, err := a.svc.RevokeOwnSession(r.Context(), principal.Username, sessionID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSessionRevoked, map[string]any{
		"session_id": sessionID,
	})
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: true})
}

func (a *API) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	token, ok := readRefreshToken(w, r)
	if !ok {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	revoked, err := a.svc.RevokeOwnToken(r.Context(), principal, token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if revoked {
		_ = audit.LogEvent(r.Context(), audit.EventTokenRevoked, nil)
	}
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	a.revokeAll(w, r, principal.Username)
}

func (a *API) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.revokeAll(w, r, strings.TrimSpace(r.PathValue("username")))
}

func (a *API) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.writeSessions(w, r, strings.TrimSpace(r.PathValue("username")))
}

func (a *API) revokeAll(w http.ResponseWriter, r *http.Request, username string) {
	if username == "" {
		writeError(w, r, http.StatusBadRequest, "username is required")
		return
	}
	revoked, err := a.svc.RevokeAllSessions(r.Context(), username)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if revoked {
		_ = audit.LogEvent(r.Context(), audit.EventAllRevoked, map[string]any{
			"target": username,
		})
	}
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: revoked})
}

func (a *API) writeSessions(w http.ResponseWriter, r *http.Request, username string) {
	sessions, err := a.svc.ListSessions(r.Context(), username)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []auth.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Username: username, Sessions: sessions})
}
