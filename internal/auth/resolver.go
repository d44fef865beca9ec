package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"gatekeeper.dev/internal/obs"
)

// Resolver computes effective permissions and answers authorization
// queries. Every error resolves to "no permission".
type Resolver struct {
	store Store
	log   zerolog.Logger
}

func NewResolver(store Store, log zerolog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("resolver store is required")
	}
	return &Resolver{store: store, log: log}, nil
}

// EffectivePermissions returns the active permissions granted to the user
// through active roles, one entry per permission, sorted by name. The store
// answers from a single snapshot of the graph.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) ([]Permission, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	perms, err := r.store.Permissions(ctx).Effective(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HasPermission reports whether the principal holds the named permission.
func (r *Resolver) HasPermission(ctx context.Context, p Principal, name string) bool {
	return r.Authorize(ctx, p, ModeAll, name) == Allow
}

func (r *Resolver) HasAny(ctx context.Context, p Principal, names ...string) bool {
	return r.Authorize(ctx, p, ModeAny, names...) == Allow
}

func (r *Resolver) HasAll(ctx context.Context, p Principal, names ...string) bool {
	return r.Authorize(ctx, p, ModeAll, names...) == Allow
}

// Authorize is the single decision function behind every authorization gate.
// An empty name list is denied.
func (r *Resolver) Authorize(ctx context.Context, p Principal, mode Mode, names ...string) Decision {
	decision := r.decide(ctx, p, mode, names)
	obs.RecordDecision(mode.String(), decision.String())
	r.log.Debug().
		Str("user_id", p.UserID).
		Str("mode", mode.String()).
		Strs("permissions", names).
		Str("decision", decision.String()).
		Msg("authorization decision")
	return decision
}

func (r *Resolver) decide(ctx context.Context, p Principal, mode Mode, names []string) Decision {
	if !p.Authenticated || p.UserID == "" || len(names) == 0 {
		return Deny
	}
	granted, ok := r.grantedNames(ctx, p.UserID)
	if !ok {
		return Deny
	}
	switch mode {
	case ModeAny:
		for _, name := range names {
			if _, ok := granted[name]; ok {
				return Allow
			}
		}
		return Deny
	case ModeAll:
		for _, name := range names {
			if _, ok := granted[name]; !ok {
				return Deny
			}
		}
		return Allow
	default:
		return Deny
	}
}

func (r *Resolver) grantedNames(ctx context.Context, userID string) (map[string]struct{}, bool) {
	user, err := r.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Error().Err(err).Str("user_id", userID).Msg("resolve user failed")
		}
		return nil, false
	}
	if !user.Active {
		return nil, false
	}
	perms, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("resolve permissions failed")
		return nil, false
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p.Name] = struct{}{}
	}
	return set, true
}

// ActiveRoleNames returns the names of the user's active roles, sorted.
func (r *Resolver) ActiveRoleNames(ctx context.Context, userID string) ([]string, error) {
	roles := r.store.Roles(ctx)
	assignments, err := roles.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		role, err := roles.Find(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if role.Active {
			names = append(names, role.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}
