// Package refresh manages the long-lived opaque refresh tokens. Only their
// sha256 digests are persisted.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"account-auth/internal/autherr"
	"account-auth/internal/store"
)

const (
	DefaultTTL = 7 * 24 * time.Hour
	tokenBytes = 48
)

type Store interface {
	CreateRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt, now time.Time) error
	GetRefreshToken(ctx context.Context, tokenHash string) (store.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error
	RevokeAllRefreshTokens(ctx context.Context, accountID string, now time.Time) (int64, error)
	RotateRefreshToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time) (string, error)
}

type Config struct {
	TTL time.Duration
	Now func() time.Time
}

type Issued struct {
	Token     string
	ExpiresAt time.Time
}

type Ledger struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewLedger(s Store, cfg Config) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{store: s, ttl: cfg.TTL, now: cfg.Now}
}

func (l *Ledger) Issue(ctx context.Context, accountID string) (Issued, error) {
	raw, err := randomToken(tokenBytes)
	if err != nil {
		return Issued{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := l.now().UTC()
	expiresAt := now.Add(l.ttl)
	if err := l.store.CreateRefreshToken(ctx, accountID, store.HashToken(raw), expiresAt, now); err != nil {
		return Issued{}, autherr.Unavailable(err)
	}

	return Issued{Token: raw, ExpiresAt: expiresAt}, nil
}

// Validate returns the owning account id of a live token.
func (l *Ledger) Validate(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", autherr.ErrRefreshTokenInvalid
	}

	record, err := l.store.GetRefreshToken(ctx, store.HashToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", autherr.ErrRefreshTokenInvalid
		}
		return "", autherr.Unavailable(err)
	}
	if !record.Active(l.now().UTC()) {
		return "", autherr.ErrRefreshTokenInvalid
	}

	return record.AccountID, nil
}

// Revoke is idempotent and silent about unknown tokens.
func (l *Ledger) Revoke(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return autherr.ErrRefreshTokenInvalid
	}
	if err := l.store.RevokeRefreshToken(ctx, store.HashToken(raw), l.now().UTC()); err != nil {
		return autherr.Unavailable(err)
	}
	return nil
}

func (l *Ledger) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	revoked, err := l.store.RevokeAllRefreshTokens(ctx, accountID, l.now().UTC())
	if err != nil {
		return 0, autherr.Unavailable(err)
	}
	return revoked, nil
}

// Rotate exchanges a live token for a new one. A token that was already
// rotated revokes every token of its account and is rejected; reused is then
// true so the caller can report it.
func (l *Ledger) Rotate(ctx context.Context, raw string) (accountID string, next Issued, reused bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", Issued{}, false, autherr.ErrRefreshTokenInvalid
	}

	fresh, err := randomToken(tokenBytes)
	if err != nil {
		return "", Issued{}, false, fmt.Errorf("generate refresh token: %w", err)
	}

	now := l.now().UTC()
	expiresAt := now.Add(l.ttl)
	accountID, err = l.store.RotateRefreshToken(ctx, store.HashToken(raw), store.HashToken(fresh), expiresAt, now)
	switch {
	case err == nil:
		return accountID, Issued{Token: fresh, ExpiresAt: expiresAt}, false, nil
	case errors.Is(err, store.ErrTokenReused):
		return accountID, Issued{}, true, autherr.ErrRefreshTokenInvalid
	case errors.Is(err, store.ErrNotFound):
		return "", Issued{}, false, autherr.ErrRefreshTokenInvalid
	default:
		return "", Issued{}, false, autherr.Unavailable(err)
	}
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
