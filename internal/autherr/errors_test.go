package autherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerKindsMatchTokenInvalid(t *testing.T) {
	for _, err := range []error{ErrRefreshTokenInvalid, ErrResetTokenInvalid, ErrVerificationTokenInvalid} {
		assert.ErrorIs(t, err, ErrTokenInvalid)
	}
	assert.NotErrorIs(t, ErrRefreshTokenInvalid, ErrResetTokenInvalid)
}

func TestUnavailableHidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	err := Unavailable(cause)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, cause)
	assert.Same(t, err, Unavailable(err))
	assert.Nil(t, Unavailable(nil))
}

func TestIsDomain(t *testing.T) {
	assert.True(t, IsDomain(ErrResetTokenInvalid))
	assert.True(t, IsDomain(Configuration("missing %s", "JWT_SECRET")))
	assert.False(t, IsDomain(errors.New("boom")))
}
