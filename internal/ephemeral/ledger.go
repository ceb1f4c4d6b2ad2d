// Package ephemeral issues the single-use password-reset and
// email-verification tokens.
package ephemeral

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
	DefaultResetTTL        = time.Hour
	DefaultVerificationTTL = 24 * time.Hour
	tokenBytes             = 32
)

type Store interface {
	IssueEphemeralToken(ctx context.Context, token store.EphemeralToken, now time.Time) error
	GetEphemeralToken(ctx context.Context, kind store.EphemeralKind, tokenHash string) (store.EphemeralToken, error)
	ConsumeEphemeralToken(ctx context.Context, kind store.EphemeralKind, tokenHash string, now time.Time, effect store.ConsumeEffect) (store.EphemeralToken, error)
}

type Config struct {
	ResetTTL        time.Duration
	VerificationTTL time.Duration
	Now             func() time.Time
}

type Issued struct {
	Token     string
	ExpiresAt time.Time
}

type Ledger struct {
	store Store
	ttl   map[store.EphemeralKind]time.Duration
	now   func() time.Time
}

func NewLedger(s Store, cfg Config) *Ledger {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		store: s,
		ttl: map[store.EphemeralKind]time.Duration{
			store.KindPasswordReset:     cfg.ResetTTL,
			store.KindEmailVerification: cfg.VerificationTTL,
		},
		now: cfg.Now,
	}
}

func invalidFor(kind store.EphemeralKind) error {
	if kind == store.KindPasswordReset {
		return autherr.ErrResetTokenInvalid
	}
	return autherr.ErrVerificationTokenInvalid
}

// Issue creates a token of kind for the account. Every earlier unused token
// of the same kind stops being valid.
func (l *Ledger) Issue(ctx context.Context, accountID string, kind store.EphemeralKind) (Issued, error) {
	ttl, ok := l.ttl[kind]
	if !ok {
		return Issued{}, fmt.Errorf("%w: unknown token kind %q", autherr.ErrInvalidInput, kind)
	}

	raw, err := randomToken(tokenBytes)
	if err != nil {
		return Issued{}, fmt.Errorf("generate %s token: %w", kind, err)
	}

	now := l.now().UTC()
	issued := Issued{Token: raw, ExpiresAt: now.Add(ttl)}
	err = l.store.IssueEphemeralToken(ctx, store.EphemeralToken{
		AccountID: accountID,
		Kind:      kind,
		TokenHash: store.HashToken(raw),
		ExpiresAt: issued.ExpiresAt,
	}, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Issued{}, fmt.Errorf("%w: account %s", autherr.ErrInvalidInput, accountID)
		}
		return Issued{}, autherr.Unavailable(err)
	}

	return issued, nil
}

// Validate reports the owning account without consuming the token.
func (l *Ledger) Validate(ctx context.Context, raw string, kind store.EphemeralKind) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidFor(kind)
	}

	token, err := l.store.GetEphemeralToken(ctx, kind, store.HashToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", invalidFor(kind)
		}
		return "", autherr.Unavailable(err)
	}
	if !token.Active(l.now().UTC()) {
		return "", invalidFor(kind)
	}
	return token.AccountID, nil
}

// Consume marks the token used. Consuming an email-verification token also
// marks the account's email verified, atomically.
func (l *Ledger) Consume(ctx context.Context, raw string, kind store.EphemeralKind) (string, error) {
	return l.consume(ctx, raw, kind, store.ConsumeEffect{
		MarkEmailVerified: kind == store.KindEmailVerification,
	})
}

// ConsumeWithPassword consumes a password-reset token and stores newHash as
// the account's password in the same transaction. The lockout is cleared too.
func (l *Ledger) ConsumeWithPassword(ctx context.Context, raw, newHash string) (string, error) {
	if newHash == "" {
		return "", fmt.Errorf("%w: empty password digest", autherr.ErrInvalidInput)
	}
	return l.consume(ctx, raw, store.KindPasswordReset, store.ConsumeEffect{NewPasswordHash: newHash})
}

func (l *Ledger) consume(ctx context.Context, raw string, kind store.EphemeralKind, effect store.ConsumeEffect) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidFor(kind)
	}

	token, err := l.store.ConsumeEphemeralToken(ctx, kind, store.HashToken(raw), l.now().UTC(), effect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", invalidFor(kind)
		}
		return "", autherr.Unavailable(err)
	}
	return token.AccountID, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
