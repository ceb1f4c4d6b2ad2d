package auth

import (
	"time"

	"account-auth/internal/autherr"
	"account-auth/internal/twofactor"
)

type Tokens struct {
	AccessToken           string     `json:"access_token"`
	RefreshToken          string     `json:"refresh_token"`
	TokenType             string     `json:"token_type"`
	ExpiresIn             int64      `json:"expires_in"`
	AccessTokenExpiresAt  time.Time  `json:"access_token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
}

type Profile struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	DisplayName   string           `json:"display_name,omitempty"`
	Role          string           `json:"role"`
	EmailVerified bool             `json:"email_verified"`
	HasPassword   bool             `json:"has_password"`
	TwoFactor     twofactor.Status `json:"two_factor"`
	CreatedAt     time.Time        `json:"created_at"`
}

// LockedError is returned while an account is locked. It matches
// autherr.ErrAccountLocked.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e LockedError) Error() string {
	return "account temporarily locked"
}

func (e LockedError) Unwrap() error {
	return autherr.ErrAccountLocked
}
