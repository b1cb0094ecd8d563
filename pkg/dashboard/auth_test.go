package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthServiceLoginAndValidate(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	svc := NewAuthService("operator", hash, "jwt-signing-secret", time.Minute)

	token, err := svc.Login("operator", "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	username, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", username)
}

func TestAuthServiceRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	svc := NewAuthService("operator", hash, "jwt-signing-secret", time.Minute)

	_, err = svc.Login("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthServiceRejectsUnknownUser(t *testing.T) {
	hash, err := HashPassword("x")
	require.NoError(t, err)
	svc := NewAuthService("operator", hash, "secret", time.Minute)

	_, err = svc.Login("somebody-else", "x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	hash, err := HashPassword("x")
	require.NoError(t, err)
	svc := NewAuthService("operator", hash, "secret", -time.Minute)

	token, err := svc.Login("operator", "x")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthServiceRejectsTokenFromDifferentSecret(t *testing.T) {
	hash, err := HashPassword("x")
	require.NoError(t, err)
	svc1 := NewAuthService("operator", hash, "secret-one", time.Minute)
	svc2 := NewAuthService("operator", hash, "secret-two", time.Minute)

	token, err := svc1.Login("operator", "x")
	require.NoError(t, err)

	_, err = svc2.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
