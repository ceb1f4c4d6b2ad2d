package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-auth/internal/autherr"
	"account-auth/internal/store"
)

type fixture struct {
	policy  *Policy
	mem     *store.Memory
	now     time.Time
	account store.Account
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), now: time.Date(2026, 5, 5, 8, 0, 0, 0, time.UTC)}
	f.policy = NewPolicy(f.mem, Config{Threshold: threshold, Now: func() time.Time { return f.now }})

	account, err := f.mem.CreateAccount(context.Background(), store.NewAccount{Email: "l@example.com"}, f.now)
	require.NoError(t, err)
	f.account = account
	return f
}

func TestThresholdLocksForWindow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for i := 1; i < DefaultThreshold; i++ {
		status, err := f.policy.RegisterFailure(ctx, f.account.ID)
		require.NoError(t, err)
		assert.False(t, status.Locked)
		assert.Equal(t, i, status.FailedAttempts)
	}

	status, err := f.policy.RegisterFailure(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, f.now.Add(DefaultWindow), status.Until)

	f.now = f.now.Add(DefaultWindow - time.Second)
	status, err = f.policy.IsLocked(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
}

func TestLazyUnlockResetsCounter(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.policy.RegisterFailure(ctx, f.account.ID)
		require.NoError(t, err)
	}

	f.now = f.now.Add(DefaultWindow)
	status, err := f.policy.IsLocked(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Zero(t, status.FailedAttempts)

	status, err = f.policy.RegisterFailure(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, status.Locked, "a fresh window starts from zero")
}

func TestSuccessResets(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.policy.RegisterFailure(ctx, f.account.ID)
		require.NoError(t, err)
	}
	require.NoError(t, f.policy.RegisterSuccess(ctx, f.account.ID))

	account, err := f.mem.GetAccountByID(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Zero(t, account.FailedLoginAttempts)
	assert.Equal(t, f.now, *account.LastLoginAt)

	status, err := f.policy.RegisterFailure(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailedAttempts)
}

func TestConcurrentFailuresLockExactlyAtThreshold(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.policy.RegisterFailure(ctx, f.account.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := f.policy.IsLocked(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, 5, status.FailedAttempts)
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.policy.IsLocked(context.Background(), "missing")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}
