// Package identity verifies identity tokens issued by an external provider
// and extracts the account attributes used for federated login.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jose "gopkg.in/square/go-jose.v2"

	"account-auth/internal/autherr"
)

const (
	DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	defaultKeyCacheTTL   = time.Hour
	minRefreshInterval   = time.Minute
	maxJWKSBytes         = 1 << 20
)

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

type Identity struct {
	ProviderID  string
	Email       string
	DisplayName string
}

type Verifier interface {
	VerifyIdentityToken(ctx context.Context, token string) (Identity, error)
}

type GoogleConfig struct {
	ClientID   string
	JWKSURL    string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Now        func() time.Time
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// GoogleVerifier checks RS256 ID tokens against Google's published signing
// keys. Keys are cached and refetched when they expire or an unknown key id
// shows up.
type GoogleVerifier struct {
	cfg GoogleConfig

	mu        sync.Mutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

func NewGoogleVerifier(cfg GoogleConfig) (*GoogleVerifier, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, autherr.Configuration("google client id is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = DefaultGoogleJWKSURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultKeyCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GoogleVerifier{cfg: cfg}, nil
}

func (v *GoogleVerifier) VerifyIdentityToken(ctx context.Context, raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, autherr.ErrTokenInvalid
	}

	claims := &googleClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
	)
	if err != nil {
		if errors.Is(err, autherr.ErrUnavailable) {
			return Identity{}, err
		}
		return Identity{}, autherr.ErrTokenInvalid
	}

	if !validIssuer(claims.Issuer) || claims.Subject == "" {
		return Identity{}, autherr.ErrTokenInvalid
	}
	if claims.Email == "" || !claims.EmailVerified {
		return Identity{}, autherr.ErrTokenInvalid
	}

	return Identity{
		ProviderID:  claims.Subject,
		Email:       strings.ToLower(strings.TrimSpace(claims.Email)),
		DisplayName: claims.Name,
	}, nil
}

func validIssuer(iss string) bool {
	for _, allowed := range googleIssuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

func (v *GoogleVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, errors.New("token has no key id")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.cfg.Now()
	stale := v.fetchedAt.IsZero() || now.Sub(v.fetchedAt) > v.cfg.CacheTTL
	if !stale {
		if key, ok := lookup(v.keys, kid); ok {
			return key, nil
		}
		if now.Sub(v.fetchedAt) < minRefreshInterval {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}

	keys, err := v.fetch(ctx)
	if err != nil {
		return nil, autherr.Unavailable(err)
	}
	v.keys = keys
	v.fetchedAt = now

	key, ok := lookup(keys, kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func lookup(set jose.JSONWebKeySet, kid string) (*rsa.PublicKey, bool) {
	for _, k := range set.Key(kid) {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if key, ok := k.Key.(*rsa.PublicKey); ok {
			return key, true
		}
	}
	return nil, false
}

func (v *GoogleVerifier) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
