package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/putto11262002/chatter-client/models"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrNoSubject    = errors.New("token has no user id")
)

// Claims are the claims the client needs from the access token.
// The server issues simplejwt style tokens carrying user_id;
// sub is used as a fallback.
type Claims struct {
	UserID   models.ID `json:"user_id"`
	Username string    `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// LocalUserID returns the local user id carried by the token.
func (c *Claims) LocalUserID() models.ID {
	if c.UserID != "" {
		return c.UserID
	}
	return models.ID(c.RegisteredClaims.Subject)
}

// InspectToken decodes the access token without verifying its signature.
// The client cannot verify it (the server holds the key) but it needs the local
// user id to route direct messages, and it refuses to connect with a token that
// has already expired.
func InspectToken(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, NewError(CredentialError, "inspect token", ErrTokenMissing)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, NewError(CredentialError, "inspect token", fmt.Errorf("%w: %v", ErrTokenInvalid, err))
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return nil, NewError(CredentialError, "inspect token", ErrTokenExpired)
	}
	if claims.LocalUserID() == "" {
		return nil, NewError(CredentialError, "inspect token", ErrNoSubject)
	}
	return claims, nil
}
