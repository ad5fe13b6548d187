package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("secret", AdminSubject)
	require.NoError(t, err)

	sub, err := ValidateJWT("secret", token)
	require.NoError(t, err)
	require.Equal(t, AdminSubject, sub)

	_, err = ValidateJWT("other-secret", token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsExpiredAndUnsigned(t *testing.T) {
	expired, err := generateJWT("secret", AdminSubject, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = ValidateJWT("secret", expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": AdminSubject}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateJWT("secret", none)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = GenerateJWT("", AdminSubject)
	require.Error(t, err)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.True(t, CheckPasswordHash("hunter2", hash))
	require.False(t, CheckPasswordHash("hunter3", hash))
	require.False(t, CheckPasswordHash("hunter2", ""))
}
