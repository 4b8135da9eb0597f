package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLifetime(t *testing.T) {
	for _, s := range []string{"", "0", "never"} {
		d, err := ParseLifetime(s)
		require.NoError(t, err)
		assert.Zero(t, d, s)
	}

	d, err := ParseLifetime("72h")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)

	_, err = ParseLifetime("three days")
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	require.NoError(t, Init(time.Hour))
	id := uuid.New()

	token, err := CreateJWT(id.String())
	require.NoError(t, err)

	got, err := AuthenticateUser(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestJWTRejectsForeignKey(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateJWT(uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, Init(0))
	_, err = AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestJWTExpired(t *testing.T) {
	require.NoError(t, Init(time.Millisecond))
	token, err := CreateJWT(uuid.NewString())
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticateUserBadSubject(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateJWT("not-a-uuid")
	require.NoError(t, err)

	_, err = AuthenticateUser(token)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}
