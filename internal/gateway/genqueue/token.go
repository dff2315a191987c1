package genqueue

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/internal/errs"
)

// SignSessionToken mints the short-lived token attached to generation
// requests.
func SignSessionToken(userID, secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifySessionToken validates the token and returns the user it belongs to.
// Any failure is an AuthError: invalid sessions are never retried.
func VerifySessionToken(token, secret string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &errs.AuthError{Reason: "session token expired"}
		}
		return "", &errs.AuthError{Reason: "invalid session token"}
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", &errs.AuthError{Reason: "token carries no subject"}
	}
	return claims.Subject, nil
}
