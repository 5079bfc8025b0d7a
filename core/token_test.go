package core

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/models"
)

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return signed
}

func TestInspectToken(t *testing.T) {
	now := time.Now()

	t.Run("user_id claim", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"user_id": 42,
			"exp":     now.Add(time.Hour).Unix(),
		})
		claims, err := InspectToken(token, now)
		require.NoError(t, err)
		assert.Equal(t, models.ID("42"), claims.LocalUserID())
	})

	t.Run("sub fallback", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "7",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		})
		claims, err := InspectToken(token, now)
		require.NoError(t, err)
		assert.Equal(t, models.ID("7"), claims.LocalUserID())
	})

	t.Run("expired", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"user_id": 1,
			"exp":     now.Add(-time.Minute).Unix(),
		})
		_, err := InspectToken(token, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCredential))
		assert.True(t, errors.Is(err, ErrTokenExpired))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := InspectToken("not-a-token", now)
		assert.ErrorIs(t, err, ErrTokenInvalid)
		assert.Equal(t, CredentialError, KindOf(err))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := InspectToken("", now)
		assert.ErrorIs(t, err, ErrTokenMissing)
	})

	t.Run("no subject", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})
		_, err := InspectToken(token, now)
		assert.ErrorIs(t, err, ErrNoSubject)
	})
}
