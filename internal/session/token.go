// Package session provides the signed-in user context the feed engine needs:
// who the author is, which scope is active, whether the session is still
// valid, and whether the backend is reachable.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rxledger/notesfeed/internal/notes"
)

// Audience is the aud claim of every notesfeed token.
const Audience = "notesfeed"

type Claims struct {
	ScopeID string `json:"scope_id"`
	jwt.RegisteredClaims
}

// AuthorID is the subject of the token.
func (c Claims) AuthorID() string {
	return c.Subject
}

// IssueToken mints an HS256 token for author in scope.
func IssueToken(secret, scope, author string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", notes.Errorf(notes.KindConfigurationMissing, "issue token", "secret is required")
	}
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(author) == "" {
		return "", notes.Errorf(notes.KindMissingContext, "issue token", "scope and author are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := Claims{
		ScopeID: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   author,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks the signature, audience and expiry of raw.
func VerifyToken(secret, raw string, now time.Time) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{}, notes.E(notes.KindNotAuthenticated, "verify token", err)
	}
	if strings.TrimSpace(claims.ScopeID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, notes.Errorf(notes.KindMissingContext, "verify token", "token has no scope or subject")
	}
	return claims, nil
}

// ReadClaims decodes raw without checking the signature. Clients use it to
// learn their own scope and author; the server verifies every request.
func ReadClaims(raw string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), &claims); err != nil {
		return Claims{}, notes.E(notes.KindNotAuthenticated, "read token", err)
	}
	return claims, nil
}

func expired(c Claims, now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.ExpiresAt.Time)
}

var errNoToken = errors.New("no token")
