package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-auth/internal/autherr"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newCodec(t *testing.T, secret string, c *clock) *Codec {
	t.Helper()
	codec, err := NewCodec(Config{Secret: secret, Issuer: "account-auth", Now: c.Now})
	require.NoError(t, err)
	return codec
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec := newCodec(t, "s3cret", c)

	access, err := codec.Issue("acc-1", "a@example.com", "user")
	require.NoError(t, err)
	assert.Equal(t, c.now.Add(DefaultTTL), access.ExpiresAt)
	assert.EqualValues(t, 900, access.ExpiresIn)

	claims, err := codec.Verify(access.Token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID())
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
}

func TestVerifyRejects(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec := newCodec(t, "s3cret", c)
	access, err := codec.Issue("acc-1", "a@example.com", "user")
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := &clock{now: c.now.Add(DefaultTTL + time.Second)}
		_, err := newCodec(t, "s3cret", later).Verify(access.Token)
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})

	t.Run("other key", func(t *testing.T) {
		_, err := newCodec(t, "other", c).Verify(access.Token)
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(access.Token, ".")
		require.Len(t, parts, 3)
		parts[1] = parts[1][:len(parts[1])-2] + "AA"
		_, err := codec.Verify(strings.Join(parts, "."))
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := codec.Verify("not.a.jwt")
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})

	t.Run("alg none", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "acc-1", "typ": "access", "exp": c.now.Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = codec.Verify(unsigned)
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})

	t.Run("wrong type", func(t *testing.T) {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "acc-1", "typ": "refresh", "iss": "account-auth", "exp": c.now.Add(time.Hour).Unix(),
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		_, err = codec.Verify(signed)
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	})
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(Config{})
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
}
