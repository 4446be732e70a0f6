package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"vypar.app/internal/kv"
)

const (
	defaultIssuer     = "vypar"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	typeAccess  = "access"
	typeRefresh = "refresh"
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrTokenExpired indicates a structurally valid but expired token.
	ErrTokenExpired = errors.New("token: expired")
)

// Identity is the verified subject a token pair is bound to.
type Identity struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone"`
	Role   string `json:"role"`
}

// Pair is an access/refresh token couple with their expirations.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	IssuedAt         time.Time `json:"issued_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Claims carries identity and role so downstream services can authorize
// without a store lookup.
type Claims struct {
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Issuer mints and validates HS256-signed access/refresh token pairs.
// Used refresh tokens are revoked by jti through the key-value store.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    kv.Store
	now        func() time.Time
}

// Option configures Issuer.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if strings.TrimSpace(name) != "" {
			i.issuer = strings.TrimSpace(name)
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer. The access lifetime must stay strictly
// shorter than the refresh lifetime.
func NewIssuer(secret []byte, revoked kv.Store, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if revoked == nil {
		return nil, errors.New("token: revocation store is required")
	}
	i := &Issuer{
		secret:     secret,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		revoked:    revoked,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.accessTTL >= i.refreshTTL {
		return nil, errors.New("token: access lifetime must be shorter than refresh lifetime")
	}
	return i, nil
}

// Issue mints a fresh pair bound to identity.
func (i *Issuer) Issue(identity Identity) (Pair, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return Pair{}, errors.New("token: user id is required")
	}
	now := i.now().UTC()
	accessExp := now.Add(i.accessTTL)
	refreshExp := now.Add(i.refreshTTL)

	access, err := i.sign(identity, typeAccess, now, accessExp)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(identity, typeRefresh, now, refreshExp)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		IssuedAt:         now,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh validates refreshToken, rotates it and issues a new pair. The used
// token's jti is revoked for its remaining lifetime, so it can never mint a
// second pair.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	claims, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return Pair{}, err
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return Pair{}, ErrInvalidToken
	}

	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl <= 0 {
		return Pair{}, ErrTokenExpired
	}

	// Check-and-revoke runs as one atomic unit per jti, so of two concurrent
	// refreshes with the same token exactly one wins.
	key := "token:revoked:" + claims.ID
	err = i.revoked.Update(ctx, key, ttl, func(old []byte, found bool) ([]byte, bool, error) {
		if found {
			return nil, false, ErrInvalidToken
		}
		return []byte("1"), true, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return Pair{}, ErrInvalidToken
		}
		return Pair{}, fmt.Errorf("token: revoke: %w", err)
	}

	return i.Issue(Identity{
		UserID: claims.Subject,
		Phone:  claims.Phone,
		Role:   claims.Role,
	})
}

// ValidateAccess verifies an access token and returns the bound identity.
// Pure validation, no side effects.
func (i *Issuer) ValidateAccess(token string) (Identity, error) {
	claims, err := i.parse(token, typeAccess)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID: claims.Subject,
		Phone:  claims.Phone,
		Role:   claims.Role,
	}, nil
}

func (i *Issuer) sign(identity Identity, tokenType string, now, exp time.Time) (string, error) {
	claims := Claims{
		Phone:     identity.Phone,
		Role:      identity.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(token, wantType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
