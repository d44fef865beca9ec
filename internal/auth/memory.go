package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"gatekeeper.dev/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Records live
// in maps keyed by id; secondary indexes map unique keys back to ids.
type InMemory struct {
	mu sync.RWMutex

	users       map[string]*User
	usersByName map[string]string

	roles       map[string]*Role
	rolesByName map[string]string

	perms       map[string]*Permission
	permsByName map[string]string

	assignments map[string]map[string]RoleAssignment  // userID -> roleID
	grants      map[string]map[string]PermissionGrant // roleID -> permissionID

	tokens          map[string]*RefreshToken
	tokensByHash    map[string]string
	tokensBySession map[string]map[string]struct{}
	tokensByUser    map[string]map[string]struct{}

	now func() time.Time
}

var _ Store = (*InMemory)(nil)

// MemoryOption configures InMemory.
type MemoryOption func(*InMemory)

// WithStoreClock sets the clock used for timestamps the caller left zero.
func WithStoreClock(now func() time.Time) MemoryOption {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	s := &InMemory{
		users:           make(map[string]*User),
		usersByName:     make(map[string]string),
		roles:           make(map[string]*Role),
		rolesByName:     make(map[string]string),
		perms:           make(map[string]*Permission),
		permsByName:     make(map[string]string),
		assignments:     make(map[string]map[string]RoleAssignment),
		grants:          make(map[string]map[string]PermissionGrant),
		tokens:          make(map[string]*RefreshToken),
		tokensByHash:    make(map[string]string),
		tokensBySession: make(map[string]map[string]struct{}),
		tokensByUser:    make(map[string]map[string]struct{}),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Users(context.Context) UserStore { return memUsers{s} }
func (s *InMemory) Roles(context.Context) RoleStore { return memRoles{s} }
func (s *InMemory) Permissions(context.Context) PermissionStore { return memPermissions{s} }
func (s *InMemory) RefreshTokens(context.Context) RefreshTokenStore { return memTokens{s} }

func (s *InMemory) stamp(created, updated *time.Time) {
	if created.IsZero() {
		*created = s.now().UTC()
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// Users ----------------------------------------------------------------------

type memUsers struct{ s *InMemory }

func (m memUsers) Create(_ context.Context, u *User) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[u.Username]; ok {
		return ErrDuplicateUsername
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	s.stamp(&u.CreatedAt, &u.UpdatedAt)
	cp := *u
	s.users[cp.ID] = &cp
	s.usersByName[cp.Username] = cp.ID
	return nil
}

func (m memUsers) Find(_ context.Context, id string) (*User, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) FindByUsername(ctx context.Context, username string) (*User, error) {
	m.s.mu.RLock()
	id, ok := m.s.usersByName[username]
	m.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Find(ctx, id)
}

func (m memUsers) List(context.Context) ([]*User, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m memUsers) Update(_ context.Context, u *User) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if u.Username != cur.Username {
		if _, taken := s.usersByName[u.Username]; taken {
			return ErrDuplicateUsername
		}
		delete(s.usersByName, cur.Username)
		s.usersByName[u.Username] = u.ID
		s.moveTokens(u.ID, cur.Username, u.Username)
	}
	cp := *u
	cp.CreatedAt = cur.CreatedAt
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.users[cp.ID] = &cp
	return nil
}

func (m memUsers) UpdatePassword(_ context.Context, userID, passwordHash string, at time.Time) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = at
	return nil
}

func (m memUsers) Delete(_ context.Context, id string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.usersByName, u.Username)
	delete(s.users, id)
	delete(s.assignments, id)
	return nil
}

// Roles ----------------------------------------------------------------------

type memRoles struct{ s *InMemory }

func (m memRoles) Create(_ context.Context, r *Role) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByName[r.Name]; ok {
		return ErrDuplicateName
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	s.stamp(&r.CreatedAt, &r.UpdatedAt)
	cp := *r
	s.roles[cp.ID] = &cp
	s.rolesByName[cp.Name] = cp.ID
	return nil
}

func (m memRoles) Find(_ context.Context, id string) (*Role, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m memRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	m.s.mu.RLock()
	id, ok := m.s.rolesByName[name]
	m.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Find(ctx, id)
}

func (m memRoles) List(context.Context) ([]*Role, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m memRoles) Update(_ context.Context, r *Role) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.roles[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.Name != cur.Name {
		if _, taken := s.rolesByName[r.Name]; taken {
			return ErrDuplicateName
		}
		delete(s.rolesByName, cur.Name)
		s.rolesByName[r.Name] = r.ID
	}
	cp := *r
	cp.CreatedAt = cur.CreatedAt
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.roles[cp.ID] = &cp
	return nil
}

func (m memRoles) Delete(_ context.Context, id string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.rolesByName, r.Name)
	delete(s.roles, id)
	delete(s.grants, id)
	for userID, set := range s.assignments {
		delete(set, id)
		if len(set) == 0 {
			delete(s.assignments, userID)
		}
	}
	return nil
}

func (m memRoles) Assign(_ context.Context, a RoleAssignment) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[a.UserID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.roles[a.RoleID]; !ok {
		return ErrNotFound
	}
	set := s.assignments[a.UserID]
	if set == nil {
		set = make(map[string]RoleAssignment)
		s.assignments[a.UserID] = set
	}
	if _, ok := set[a.RoleID]; ok {
		return ErrAlreadyAssigned
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = s.now().UTC()
	}
	set[a.RoleID] = a
	return nil
}

func (m memRoles) Unassign(_ context.Context, userID, roleID string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.assignments[userID]
	if _, ok := set[roleID]; !ok {
		return ErrNotAssigned
	}
	delete(set, roleID)
	if len(set) == 0 {
		delete(s.assignments, userID)
	}
	return nil
}

func (m memRoles) Assignments(_ context.Context, userID string) ([]RoleAssignment, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.assignments[userID]
	out := make([]RoleAssignment, 0, len(set))
	for _, a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

// Permissions ----------------------------------------------------------------

type memPermissions struct{ s *InMemory }

func (m memPermissions) Create(_ context.Context, p *Permission) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permsByName[p.Name]; ok {
		return ErrDuplicateName
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.stamp(&p.CreatedAt, &p.UpdatedAt)
	cp := *p
	s.perms[cp.ID] = &cp
	s.permsByName[cp.Name] = cp.ID
	return nil
}

func (m memPermissions) Find(_ context.Context, id string) (*Permission, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memPermissions) FindByName(ctx context.Context, name string) (*Permission, error) {
	m.s.mu.RLock()
	id, ok := m.s.permsByName[name]
	m.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Find(ctx, id)
}

func (m memPermissions) List(context.Context) ([]*Permission, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m memPermissions) Update(_ context.Context, p *Permission) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.perms[p.ID]
	if !ok {
		return ErrNotFound
	}
	if p.Name != cur.Name {
		if _, taken := s.permsByName[p.Name]; taken {
			return ErrDuplicateName
		}
		delete(s.permsByName, cur.Name)
		s.permsByName[p.Name] = p.ID
	}
	cp := *p
	cp.CreatedAt = cur.CreatedAt
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.perms[cp.ID] = &cp
	return nil
}

func (m memPermissions) Delete(_ context.Context, id string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.permsByName, p.Name)
	delete(s.perms, id)
	for roleID, set := range s.grants {
		delete(set, id)
		if len(set) == 0 {
			delete(s.grants, roleID)
		}
	}
	return nil
}

func (m memPermissions) Grant(_ context.Context, g PermissionGrant) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[g.RoleID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.perms[g.PermissionID]; !ok {
		return ErrNotFound
	}
	set := s.grants[g.RoleID]
	if set == nil {
		set = make(map[string]PermissionGrant)
		s.grants[g.RoleID] = set
	}
	if _, ok := set[g.PermissionID]; ok {
		return ErrAlreadyAssigned
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now().UTC()
	}
	set[g.PermissionID] = g
	return nil
}

func (m memPermissions) Revoke(_ context.Context, roleID, permissionID string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.grants[roleID]
	if _, ok := set[permissionID]; !ok {
		return ErrNotAssigned
	}
	delete(set, permissionID)
	if len(set) == 0 {
		delete(s.grants, roleID)
	}
	return nil
}

func (m memPermissions) Grants(_ context.Context, roleID string) ([]PermissionGrant, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.grants[roleID]
	out := make([]PermissionGrant, 0, len(set))
	for _, g := range set {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

// Effective walks assignments, roles, grants and permissions under one read
// lock so the result reflects a single state of the graph.
func (m memPermissions) Effective(_ context.Context, userID string) ([]*Permission, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*Permission
	for roleID := range s.assignments[userID] {
		role, ok := s.roles[roleID]
		if !ok || !role.Active {
			continue
		}
		for permID := range s.grants[roleID] {
			if _, dup := seen[permID]; dup {
				continue
			}
			perm, ok := s.perms[permID]
			if !ok || !perm.Active {
				continue
			}
			seen[permID] = struct{}{}
			cp := *perm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Refresh tokens -------------------------------------------------------------

type memTokens struct{ s *InMemory }

func (m memTokens) Create(_ context.Context, tok *RefreshToken) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokensByHash[tok.TokenHash]; ok {
		return ErrConflict
	}
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = s.now().UTC()
	}
	cp := *tok
	cp.Secret = ""
	s.tokens[cp.ID] = &cp
	s.tokensByHash[cp.TokenHash] = cp.ID
	addIndex(s.tokensBySession, cp.SessionID, cp.ID)
	addIndex(s.tokensByUser, cp.Username, cp.ID)
	return nil
}

func (m memTokens) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokensByHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.tokens[id]
	return &cp, nil
}

func (m memTokens) ListByUsername(_ context.Context, username string) ([]*RefreshToken, error) {
	s := m.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.tokensByUser[username]
	out := make([]*RefreshToken, 0, len(set))
	for id := range set {
		cp := *s.tokens[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memTokens) MarkRevoked(_ context.Context, tokenHash string) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokensByHash[tokenHash]
	if !ok {
		return false, nil
	}
	tok := s.tokens[id]
	if tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	return true, nil
}

func (m memTokens) MarkSessionRevoked(_ context.Context, sessionID string) (int64, error) {
	return m.s.revokeIndexed(m.s.tokensBySession, sessionID), nil
}

func (m memTokens) MarkUserRevoked(_ context.Context, username string) (int64, error) {
	return m.s.revokeIndexed(m.s.tokensByUser, username), nil
}

func (m memTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.tokens {
		if !tok.ExpiresAt.Before(before) {
			continue
		}
		delete(s.tokens, id)
		delete(s.tokensByHash, tok.TokenHash)
		removeIndex(s.tokensBySession, tok.SessionID, id)
		removeIndex(s.tokensByUser, tok.Username, id)
		n++
	}
	return n, nil
}

// moveTokens re-keys the refresh tokens of userID from one username to
// another. Caller holds s.mu.
func (s *InMemory) moveTokens(userID, from, to string) {
	for id := range s.tokensByUser[from] {
		tok := s.tokens[id]
		if tok.UserID != "" && tok.UserID != userID {
			continue
		}
		tok.Username = to
		removeIndex(s.tokensByUser, from, id)
		addIndex(s.tokensByUser, to, id)
	}
}

func (s *InMemory) revokeIndexed(index map[string]map[string]struct{}, key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := index[key]
	for id := range set {
		s.tokens[id].Revoked = true
	}
	return int64(len(set))
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
