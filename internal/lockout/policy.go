// Package lockout locks an account for a fixed window after too many
// consecutive failed logins. The store holds the state; Policy holds the rules.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"account-auth/internal/autherr"
	"account-auth/internal/store"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 30 * time.Minute
)

type Store interface {
	ReleaseExpiredLock(ctx context.Context, accountID string, now time.Time) (store.LockState, error)
	RegisterFailedLogin(ctx context.Context, accountID string, threshold int, lockUntil, now time.Time) (store.LockState, error)
	ResetLoginFailures(ctx context.Context, accountID string, now time.Time) error
}

type Config struct {
	Threshold int
	Window    time.Duration
	Now       func() time.Time
}

// Status is the lockout state as seen by a login attempt.
type Status struct {
	Locked         bool
	Until          time.Time
	FailedAttempts int
}

type Policy struct {
	store     Store
	threshold int
	window    time.Duration
	now       func() time.Time
}

func NewPolicy(s Store, cfg Config) *Policy {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Policy{store: s, threshold: cfg.Threshold, window: cfg.Window, now: cfg.Now}
}

// IsLocked clears an elapsed lock before reporting.
func (p *Policy) IsLocked(ctx context.Context, accountID string) (Status, error) {
	now := p.now().UTC()
	state, err := p.store.ReleaseExpiredLock(ctx, accountID, now)
	if err != nil {
		return Status{}, p.storeErr(err)
	}
	return statusOf(state, now), nil
}

// RegisterFailure counts one failed attempt. The returned status is locked
// when this attempt reached the threshold.
func (p *Policy) RegisterFailure(ctx context.Context, accountID string) (Status, error) {
	now := p.now().UTC()
	state, err := p.store.RegisterFailedLogin(ctx, accountID, p.threshold, now.Add(p.window), now)
	if err != nil {
		return Status{}, p.storeErr(err)
	}
	return statusOf(state, now), nil
}

func (p *Policy) RegisterSuccess(ctx context.Context, accountID string) error {
	if err := p.store.ResetLoginFailures(ctx, accountID, p.now().UTC()); err != nil {
		return p.storeErr(err)
	}
	return nil
}

func (p *Policy) storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown account", autherr.ErrInvalidCredentials)
	}
	return autherr.Unavailable(err)
}

func statusOf(state store.LockState, now time.Time) Status {
	status := Status{FailedAttempts: state.FailedAttempts}
	if state.Locked(now) {
		status.Locked = true
		status.Until = *state.LockedUntil
	}
	return status
}
