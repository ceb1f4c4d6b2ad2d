// Package autherr holds the error kinds returned across the authentication
// core's public boundary. Callers classify with errors.Is.
package autherr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTwoFactorRequired  = errors.New("two-factor verification required")
	ErrTwoFactorInvalid   = errors.New("two-factor verification failed")
	ErrConfiguration      = errors.New("invalid configuration")
	ErrUnavailable        = errors.New("authentication backend unavailable")
	ErrAccountExists      = errors.New("account already exists")
	ErrPasswordPolicy     = errors.New("password policy violation")
	ErrInvalidInput       = errors.New("invalid input")
)

// One token-invalid kind per ledger. Each matches ErrTokenInvalid.
var (
	ErrRefreshTokenInvalid      = fmt.Errorf("refresh: %w", ErrTokenInvalid)
	ErrResetTokenInvalid        = fmt.Errorf("password reset: %w", ErrTokenInvalid)
	ErrVerificationTokenInvalid = fmt.Errorf("email verification: %w", ErrTokenInvalid)
)

// Unavailable wraps a storage failure without exposing it to errors.Is / errors.As.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Configuration reports a startup configuration problem.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// IsDomain reports whether err is one of the kinds above.
func IsDomain(err error) bool {
	for _, kind := range []error{
		ErrInvalidCredentials,
		ErrAccountLocked,
		ErrTokenInvalid,
		ErrTwoFactorRequired,
		ErrTwoFactorInvalid,
		ErrConfiguration,
		ErrUnavailable,
		ErrAccountExists,
		ErrPasswordPolicy,
		ErrInvalidInput,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
