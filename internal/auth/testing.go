package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// WithClaims returns a new context with the given claims.
// This is primarily for testing purposes.
func WithClaims(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// NewTestClaims creates UserClaims with the given subject and email.
// This is primarily for testing purposes.
func NewTestClaims(userID, email string) *UserClaims {
	return &UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
		Email: email,
	}
}

// StaticVerifier accepts exactly the tokens in its map (for testing).
type StaticVerifier map[string]*UserClaims

// Verify returns the claims registered for token.
func (s StaticVerifier) Verify(token string) (*UserClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenUnverifiable
}
