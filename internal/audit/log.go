package audit

import (
	"context"
	"errors"
	"strings"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names emitted by the transport adapters.
const (
	EventLogin            = "auth.login"
	EventLoginFailed      = "auth.login_failed"
	EventLogout           = "auth.logout"
	EventTokenRevoked     = "auth.token_revoked"
	EventSessionRevoked   = "auth.session_revoked"
	EventAllRevoked       = "auth.all_sessions_revoked"
	EventPermissionDenied = "authz.denied"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and user context.
// Secrets must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	log := obs.Logger()
	entry := log.Info().
		Str("type", "audit").
		Str("event", event)
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.Str("user_id", p.UserID).Str("username", p.Username)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Msg("audit")
	return nil
}
