package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestVerifyToken(t *testing.T) {
	assert.True(t, VerifyToken("s3cret", "s3cret"))
	assert.False(t, VerifyToken("s3cret", "other"))
	assert.False(t, VerifyToken("", ""))
}

func TestGenerateAdminToken(t *testing.T) {
	a, err := GenerateAdminToken()
	require.NoError(t, err)
	b, err := GenerateAdminToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestGateCode(t *testing.T) {
	key, err := GenerateGateKey("ops")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.URL(), "otpauth://totp/trustgate:ops"))

	code, err := totp.GenerateCode(key.Secret(), time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, ValidateTOTP(key.Secret(), code))
	assert.False(t, ValidateTOTP(key.Secret(), "000000x"))
	assert.False(t, ValidateTOTP("not base32!", code))
}

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("alice", []byte("app-password"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "app-password")

	plain, err := s.Open("alice", sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-password", string(plain))

	_, err = s.Open("bob", sealed)
	assert.ErrorIs(t, err, ErrSealedDataInvalid)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open("alice", sealed)
	assert.ErrorIs(t, err, ErrSealedDataInvalid)

	_, err = s.Open("alice", []byte("short"))
	assert.ErrorIs(t, err, ErrSealedDataInvalid)
}

func TestNewSealerRejectsBadKey(t *testing.T) {
	_, err := NewSealer("zz")
	assert.Error(t, err)

	_, err = NewSealer("abcd")
	assert.Error(t, err)
}
