package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseSession(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueSession(secret, Session{UserID: 7, Email: "avery@example.com", OrganizationID: 3}, time.Hour)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	session, err := ParseSession(secret, issued)
	if err != nil {
		t.Fatalf("ParseSession() error = %v", err)
	}
	if session.UserID != 7 || session.Email != "avery@example.com" || session.OrganizationID != 3 {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestParseSessionRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueSession(secret, Session{UserID: 7, OrganizationID: 3}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if _, err := ParseSession(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseSession() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseSessionRejectsForgedAndForeignTokens(t *testing.T) {
	issued, _ := IssueSession([]byte("secret"), Session{UserID: 7, OrganizationID: 3}, time.Hour)
	if _, err := ParseSession([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ParseSession([]byte("secret"), unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unsigned token accepted: %v", err)
	}

	noOrg, _ := IssueSession([]byte("secret"), Session{UserID: 7}, time.Hour)
	if _, err := ParseSession([]byte("secret"), noOrg); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without organization accepted: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := TokenFromRequest(r, "handbook_session"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("TokenFromRequest() error = %v, want ErrMissingToken", err)
	}

	r.Header.Set("Authorization", "Bearer abc")
	if got, _ := TokenFromRequest(r, "handbook_session"); got != "abc" {
		t.Fatalf("TokenFromRequest() = %q, want abc", got)
	}

	r.AddCookie(&http.Cookie{Name: "handbook_session", Value: "cookie-token"})
	if got, _ := TokenFromRequest(r, "handbook_session"); got != "cookie-token" {
		t.Fatalf("cookie should win, got %q", got)
	}
}
