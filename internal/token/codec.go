// Package token issues and verifies the short-lived access tokens presented
// as bearer credentials.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"account-auth/internal/autherr"
)

const (
	DefaultTTL = 15 * time.Minute
	typeAccess = "access"
)

type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
	Now    func() time.Time
}

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

func (c Claims) AccountID() string {
	return c.Subject
}

type Access struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn int64
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, autherr.Configuration("access token signing key is empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    cfg.Now,
	}, nil
}

func (c *Codec) TTL() time.Duration {
	return c.ttl
}

func (c *Codec) Issue(accountID, email, role string) (Access, error) {
	now := c.now().UTC()
	expiresAt := now.Add(c.ttl)
	claims := Claims{
		Email: email,
		Role:  role,
		Type:  typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Access{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Access{
		Token:     signed,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(c.ttl.Seconds()),
	}, nil
}

// Verify collapses every failure into autherr.ErrTokenInvalid.
func (c *Codec) Verify(raw string) (Claims, error) {
	var claims Claims
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return Claims{}, autherr.ErrTokenInvalid
	}
	if claims.Type != typeAccess || claims.Subject == "" {
		return Claims{}, autherr.ErrTokenInvalid
	}

	return claims, nil
}
