package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"account-auth/internal/autherr"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	digest, err := h.Hash("correct horse battery")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery", digest)

	ok, err := h.Verify("correct horse battery", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong horse battery", digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyCorruptDigest(t *testing.T) {
	h := newTestHasher(t)

	ok, err := h.Verify("anything", "not-a-bcrypt-digest")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptDigest)
}

func TestNewHasherValidatesCost(t *testing.T) {
	_, err := NewHasher(bcrypt.MaxCost + 1)
	assert.ErrorIs(t, err, autherr.ErrConfiguration)

	h, err := NewHasher(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, h.cost)
}

func TestBurnDoesNotPanic(t *testing.T) {
	h := newTestHasher(t)
	h.Burn("whatever")
	h.Burn("again")
	assert.NotEmpty(t, h.dummyDigest)
}
