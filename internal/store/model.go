// Package store persists accounts, credentials and every single-use or
// revocable token the authentication core hands out. Repository is the
// Postgres implementation; Memory backs tests and local development.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrTokenReused = errors.New("rotated refresh token presented again")
)

const RoleUser = "user"

type Account struct {
	ID                  string
	Email               string
	Role                string
	DisplayName         string
	PasswordHash        string
	ProviderID          string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	EmailVerified       bool
	EmailVerifiedAt     *time.Time
	LastLoginAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type NewAccount struct {
	Email         string
	Role          string
	DisplayName   string
	PasswordHash  string
	ProviderID    string
	EmailVerified bool
}

type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Locked reports whether the lock is still in force at now.
func (s LockState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

type RefreshToken struct {
	ID         string
	AccountID  string
	TokenHash  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
	CreatedAt  time.Time
}

func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

type EphemeralKind string

const (
	KindPasswordReset     EphemeralKind = "password_reset"
	KindEmailVerification EphemeralKind = "email_verification"
)

type EphemeralToken struct {
	ID        string
	AccountID string
	Kind      EphemeralKind
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (t EphemeralToken) Active(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}

// ConsumeEffect lists the account changes committed together with an
// ephemeral token consumption.
type ConsumeEffect struct {
	MarkEmailVerified bool
	NewPasswordHash   string
}

type TwoFactorMethod string

const (
	MethodAuthenticator TwoFactorMethod = "authenticator"
	MethodSMS           TwoFactorMethod = "sms"
	MethodEmail         TwoFactorMethod = "email"
)

func (m TwoFactorMethod) Valid() bool {
	switch m {
	case MethodAuthenticator, MethodSMS, MethodEmail:
		return true
	}
	return false
}

type TwoFactorSecret struct {
	AccountID     string
	Method        TwoFactorMethod
	Secret        string
	BackupCodes   []string
	PhoneNumber   string
	PhoneVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SecuritySettings struct {
	AccountID        string
	TwoFactorEnabled bool
	TwoFactorMethod  TwoFactorMethod
}

const PurposeTwoFactor = "two_factor"

type OneTimeCode struct {
	AccountID string
	Purpose   string
	CodeHash  string
	ExpiresAt time.Time
	Attempts  int
}

type CleanupResult struct {
	DeletedRefreshTokens   int64 `json:"deleted_refresh_tokens"`
	DeletedEphemeralTokens int64 `json:"deleted_ephemeral_tokens"`
	DeletedOneTimeCodes    int64 `json:"deleted_one_time_codes"`
}

// HashToken is the digest persisted in place of every bearer secret.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
