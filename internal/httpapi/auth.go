package httpapi

import (
	"strings"
	"time"

	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/session"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer verifies the bearer token and, when scope is non-empty,
// that the token was issued for it.
func authorizeBearer(authHeader, jwtSecret, scope string, now time.Time) (session.Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return session.Claims{}, err
	}
	if scope != "" && claims.ScopeID != scope {
		return session.Claims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "scope mismatch",
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (session.Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return session.Claims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims, err := session.VerifyToken(jwtSecret, raw, now)
	if err != nil {
		message := "invalid token"
		if notes.KindOf(err) == notes.KindMissingContext {
			message = "token has no scope or subject"
		}
		return session.Claims{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	return claims, nil
}

// mayWrite reports whether claims may change content owned by authorID.
func mayWrite(claims session.Claims, authorID string) bool {
	return strings.EqualFold(strings.TrimSpace(claims.AuthorID()), strings.TrimSpace(authorID))
}
