package auth

import "context"

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
// Transport adapters use it to hand the principal from middleware to
// handlers; core checks always take the principal as an argument.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal,
// or Anonymous.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Anonymous, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || !p.Authenticated {
		return Anonymous, false
	}
	return p, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}
