// Package auth authenticates admin callers by API key or signed bearer token.
package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Role is the permission level of a caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Role    Role
	Method  string
}

// IsAdmin reports whether p may use admin operations.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Claims are the JWT claims issued to staff.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates API keys and HS256 bearer tokens.
type Authenticator struct {
	apikeys Repository
	pepper  []byte
	secret  []byte
	issuer  string
	now     func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty jwtSecret disables
// bearer tokens.
func NewAuthenticator(apikeys Repository, pepper []byte, jwtSecret []byte, issuer string) *Authenticator {
	return &Authenticator{
		apikeys: apikeys,
		pepper:  pepper,
		secret:  jwtSecret,
		issuer:  issuer,
		now:     time.Now,
	}
}

// APIKey authenticates a raw API key.
func (a *Authenticator) APIKey(ctx context.Context, key string) (*Principal, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hash := HashAPIKey(a.pepper, key)
	info, err := a.apikeys.FindByHash(ctx, hash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !info.hashMatches(hash) {
		return nil, ErrUnauthorized
	}
	return &Principal{Subject: "apikey:" + info.ID, Role: info.role(), Method: "api_key"}, nil
}

// Bearer authenticates a signed token.
func (a *Authenticator) Bearer(token string) (*Principal, error) {
	if len(a.secret) == 0 || token == "" {
		return nil, ErrUnauthorized
	}
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if claims.Role == "" {
		claims.Role = RoleCustomer
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role, Method: "jwt"}, nil
}

// Issue signs a token for subject with role valid for ttl.
func (a *Authenticator) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}
