// Package auth verifies identity-provider JWTs and service tokens.
package auth

import (
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Config holds identity provider configuration.
type Config struct {
	Domain   string // issuer base URL, e.g. "https://pagewise.eu.auth0.com"
	Audience string // API audience identifier
}

// UserClaims are the JWT claims the billing service reads. The subject is the
// account's external ID.
type UserClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(token string) (*UserClaims, error)
}

// Verifier handles JWT verification against the provider's JWKS.
type Verifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	audience string
	issuer   string
}

// NewVerifier creates a verifier that fetches signing keys from
// {Domain}/.well-known/jwks.json and refreshes them in the background.
func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := strings.TrimSuffix(cfg.Domain, "/")
	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", issuer)

	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return NewVerifierWithKeyfunc(cfg, jwks.Keyfunc, "RS256"), nil
}

// NewVerifierWithKeyfunc creates a verifier with a fixed key source (for testing).
func NewVerifierWithKeyfunc(cfg Config, kf jwt.Keyfunc, methods ...string) *Verifier {
	return &Verifier{
		keyfunc:  kf,
		methods:  methods,
		audience: cfg.Audience,
		issuer:   strings.TrimSuffix(cfg.Domain, "/"),
	}
}

// Verify validates a JWT and returns its claims.
func (v *Verifier) Verify(tokenString string) (*UserClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}

	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, v.keyfunc, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return claims, nil
}
