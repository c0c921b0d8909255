package security

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or structurally invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when the token carries an exp claim in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrNoIdentityClaim is returned when the token carries neither sub nor email.
	ErrNoIdentityClaim = errors.New("token has no identity claim")
)

// TokenClaims holds the structural payload of a bearer token.
type TokenClaims struct {
	Subject   string
	Email     string
	ExpiresAt *time.Time // nil when the token has no exp claim
}

// Identity returns the stable identity string for the token: sub when present, else email.
func (c *TokenClaims) Identity() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Email
}

// ValidateToken decodes the token's structural payload without verifying the signature
// (signature verification is the backend's job). It requires at least one identity claim
// (sub or email) and honors an embedded exp claim when present. Pure and offline: no
// network calls, no side effects. now is injected for expiry math.
func ValidateToken(tokenString string, now time.Time) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, ErrInvalidToken
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	claims := &TokenClaims{}
	if sub, err := mc.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if email, ok := mc["email"].(string); ok {
		claims.Email = email
	}
	if claims.Subject == "" && claims.Email == "" {
		return nil, ErrNoIdentityClaim
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, ErrInvalidToken
	}
	if exp != nil {
		t := exp.Time
		claims.ExpiresAt = &t
		if !now.Before(t) {
			return claims, ErrTokenExpired
		}
	}
	return claims, nil
}

// RemoteTokenVerifier checks a token against the consent backend (e.g. a verify-token endpoint).
type RemoteTokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (bool, error)
}

// VerifyRemote runs the remote token check, layered on top of ValidateToken. Any transport
// failure degrades to "treat session as invalid" rather than propagating: the caller sees
// false and the error is logged once.
func VerifyRemote(ctx context.Context, v RemoteTokenVerifier, token string) bool {
	if v == nil || token == "" {
		return false
	}
	ok, err := v.VerifyToken(ctx, token)
	if err != nil {
		log.Printf("security: remote token verification failed: %v", err)
		return false
	}
	return ok
}
