// Package auth resolves the session cookie issued by the sign-in
// collaborator into the caller's identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"handbook/api/internal/store"
)

type Claims struct {
	Email        string `json:"email"`
	Organization int64  `json:"org"`
	jwt.RegisteredClaims
}

// Session is what every authorized operation receives.
type Session struct {
	UserID         int64
	Email          string
	OrganizationID store.OrgID
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrMissingToken = errors.New("missing token")
)

func IssueSession(secret []byte, s Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:        s.Email,
		Organization: int64(s.OrganizationID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(s.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

func ParseSession(secret []byte, token string) (Session, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredToken
		}
		return Session{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.Organization <= 0 {
		return Session{}, ErrInvalidToken
	}
	return Session{UserID: userID, Email: claims.Email, OrganizationID: store.OrgID(claims.Organization)}, nil
}

// TokenFromRequest prefers the session cookie and falls back to a bearer
// header for API clients.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if cookie, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}
