package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims represents the JWT claims carried by access tokens.
type AccessClaims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Principal is the identity presented with a request. It is passed to
// authorization checks explicitly rather than read from ambient state.
type Principal struct {
	Authenticated bool
	UserID        string
	Username      string
	Roles         []string
	TokenID       string
}

// Anonymous is the zero principal.
var Anonymous = Principal{}

// Principal converts verified claims into a Principal.
func (c *AccessClaims) Principal() Principal {
	if c == nil || strings.TrimSpace(c.Subject) == "" {
		return Anonymous
	}
	return Principal{
		Authenticated: true,
		UserID:        c.Subject,
		Username:      c.Username,
		Roles:         dedupeStrings(c.Roles),
		TokenID:       c.ID,
	}
}

// HasRole reports whether the principal carries the role claim. Role claims
// are informational; permission checks always go through the Resolver.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Mode selects how multiple permission names combine.
type Mode int

const (
	ModeAny Mode = iota
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "all"
	}
	return "any"
}

// ParseMode accepts "any" or "all" (case-insensitive); anything else is ModeAll.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "any") {
		return ModeAny
	}
	return ModeAll
}

// Decision is the outcome of an authorization check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}
