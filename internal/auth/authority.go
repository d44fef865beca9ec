package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"gatekeeper.dev/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "gatekeeper"
	defaultAudience   = "gatekeeper-clients"

	// refreshSecretBytes gives 256 bits of entropy per refresh token.
	refreshSecretBytes = 32
	minHMACSecretBytes = 32
	maxSecretAttempts  = 3
)

// Authority issues and validates access tokens and owns refresh token records.
type Authority struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
	random   io.Reader
	log      zerolog.Logger

	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	audience  string

	accessTTL  time.Duration
	refreshTTL time.Duration
}

// AccessToken is an encoded access token with its id and expiry.
type AccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority) error

// WithSigningSecret signs access tokens with HS256.
func WithSigningSecret(secret string) AuthorityOption {
	return func(a *Authority) error {
		if len(secret) < minHMACSecretBytes {
			return fmt.Errorf("auth: signing secret must be at least %d bytes", minHMACSecretBytes)
		}
		a.method = jwt.SigningMethodHS256
		a.signKey = []byte(secret)
		a.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) AuthorityOption {
	return func(a *Authority) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		a.method = jwt.SigningMethodRS256
		a.signKey = priv
		a.verifyKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) AuthorityOption {
	return func(a *Authority) error {
		a.keyID = strings.TrimSpace(kid)
		return nil
	}
}

func WithIssuer(issuer string) AuthorityOption {
	return func(a *Authority) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			a.issuer = issuer
		}
		return nil
	}
}

func WithAudience(audience string) AuthorityOption {
	return func(a *Authority) error {
		if audience = strings.TrimSpace(audience); audience != "" {
			a.audience = audience
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) error {
		if ttl > 0 {
			a.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) error {
		if ttl > 0 {
			a.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) error {
		if fn != nil {
			a.now = fn
		}
		return nil
	}
}

// WithRandom overrides the source of refresh token secrets.
func WithRandom(r io.Reader) AuthorityOption {
	return func(a *Authority) error {
		if r != nil {
			a.random = r
		}
		return nil
	}
}

func WithLogger(l zerolog.Logger) AuthorityOption {
	return func(a *Authority) error {
		a.log = l
		return nil
	}
}

// NewAuthority constructs Authority. A signing key option is mandatory.
func NewAuthority(store Store, resolver *Resolver, opts ...AuthorityOption) (*Authority, error) {
	if store == nil || resolver == nil {
		return nil, errors.New("auth: store and resolver are required")
	}
	a := &Authority{
		store:      store,
		resolver:   resolver,
		now:        time.Now,
		random:     rand.Reader,
		log:        zerolog.Nop(),
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.method == nil {
		return nil, errors.New("auth: signing key is not configured")
	}
	return a, nil
}

// Now returns the authority's clock reading.
func (a *Authority) Now() time.Time { return a.now() }

// Access tokens ---------------------------------------------------------------

// IssueAccessToken signs an access token for an active user.
func (a *Authority) IssueAccessToken(ctx context.Context, userID string) (AccessToken, error) {
	user, err := a.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AccessToken{}, ErrUserNotFound
		}
		return AccessToken{}, err
	}
	return a.issueFor(ctx, user)
}

func (a *Authority) issueForUsername(ctx context.Context, username string) (AccessToken, error) {
	user, err := a.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AccessToken{}, ErrUserNotFound
		}
		return AccessToken{}, err
	}
	return a.issueFor(ctx, user)
}

func (a *Authority) issueFor(ctx context.Context, user *User) (AccessToken, error) {
	if !user.Active {
		return AccessToken{}, ErrUserInactive
	}
	roles, err := a.resolver.ActiveRoleNames(ctx, user.ID)
	if err != nil {
		return AccessToken{}, fmt.Errorf("resolve roles: %w", err)
	}

	now := a.now().UTC()
	exp := now.Add(a.accessTTL)
	jti := ids.NewAt(now)
	claims := AccessClaims{
		Username: user.Username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(a.method, claims)
	if a.keyID != "" {
		token.Header["kid"] = a.keyID
	}
	signed, err := token.SignedString(a.signKey)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return AccessToken{Token: signed, ID: jti, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// ValidateAccessToken verifies signature, issuer, audience and expiry.
// ErrExpiredToken is returned only when expiry is the sole failure.
func (a *Authority) ValidateAccessToken(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	)
	claims := &AccessClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.verifyKey, nil
	})
	if err != nil {
		if onlyExpired(err) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeStrings(claims.Roles)
	return claims, nil
}

func onlyExpired(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenRequiredClaimMissing,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenNotValidYet,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}

// Refresh tokens --------------------------------------------------------------

// CreateRefreshToken starts a new session for username. The token is bound
// to the user's id when the user exists, so renames cannot hand it to
// another account. The returned record is the only place the plaintext
// secret ever appears.
func (a *Authority) CreateRefreshToken(ctx context.Context, username string) (*RefreshToken, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	var userID string
	switch user, err := a.store.Users(ctx).FindByUsername(ctx, username); {
	case err == nil:
		userID = user.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	store := a.store.RefreshTokens(ctx)
	for attempt := 0; attempt < maxSecretAttempts; attempt++ {
		secret, err := a.newSecret()
		if err != nil {
			return nil, err
		}
		now := a.now().UTC()
		tok := &RefreshToken{
			ID:        ids.NewAt(now),
			UserID:    userID,
			Username:  username,
			Secret:    secret,
			TokenHash: hashSecret(secret),
			SessionID: ids.Session(),
			ExpiresAt: now.Add(a.refreshTTL),
			CreatedAt: now,
		}
		err = store.Create(ctx, tok)
		if errors.Is(err, ErrConflict) {
			a.log.Warn().Str("username", username).Msg("refresh secret collision, regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique refresh token", ErrConflict)
}

// ValidateRefreshToken returns the record behind secret when it exists, is not
// revoked and has not expired. Every other case is ErrInvalidRefreshToken.
func (a *Authority) ValidateRefreshToken(ctx context.Context, secret string) (*RefreshToken, error) {
	if secret == "" {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := a.store.RefreshTokens(ctx).FindByHash(ctx, hashSecret(secret))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Error().Err(err).Msg("refresh token lookup failed")
		}
		return nil, ErrInvalidRefreshToken
	}
	if rec.Revoked || !a.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}
	return rec, nil
}

// RotateAccessToken issues a new access token for the owner of a valid
// refresh token. The refresh token itself stays valid.
func (a *Authority) RotateAccessToken(ctx context.Context, secret string) (AccessToken, error) {
	rec, err := a.ValidateRefreshToken(ctx, secret)
	if err != nil {
		return AccessToken{}, err
	}
	if rec.UserID != "" {
		return a.IssueAccessToken(ctx, rec.UserID)
	}
	return a.issueForUsername(ctx, rec.Username)
}

// LookupRefreshToken returns the record behind secret whatever its state,
// or ErrNotFound.
func (a *Authority) LookupRefreshToken(ctx context.Context, secret string) (*RefreshToken, error) {
	if secret == "" {
		return nil, ErrNotFound
	}
	return a.store.RefreshTokens(ctx).FindByHash(ctx, hashSecret(secret))
}

// Revoke marks the token behind secret revoked. It reports false when no
// unrevoked token matched.
func (a *Authority) Revoke(ctx context.Context, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	return a.store.RefreshTokens(ctx).MarkRevoked(ctx, hashSecret(secret))
}

// RevokeSession revokes every token of the session. It reports false when the
// session has no tokens.
func (a *Authority) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, nil
	}
	n, err := a.store.RefreshTokens(ctx).MarkSessionRevoked(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeAllForUser revokes every token owned by username. It reports false
// when the user has no tokens.
func (a *Authority) RevokeAllForUser(ctx context.Context, username string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, nil
	}
	n, err := a.store.RefreshTokens(ctx).MarkUserRevoked(ctx, username)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeExpired deletes tokens that expired more than retention ago.
func (a *Authority) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		retention = 0
	}
	return a.store.RefreshTokens(ctx).DeleteExpired(ctx, a.now().Add(-retention))
}

func (a *Authority) newSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := io.ReadFull(a.random, buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
