package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("load pull request: %w", NotFound("pull request %d not found", 7))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped error to match ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("not found error must not match ErrConflict")
	}
	if !errors.Is(DuplicateExecution("already applied"), ErrConflict) {
		t.Fatal("duplicate execution is a conflict")
	}
}

func TestStatusCodes(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation(map[string]string{"slug": "taken"}), http.StatusUnprocessableEntity},
		{Unauthorized("session expired"), http.StatusUnauthorized},
		{Forbidden("admin required"), http.StatusForbidden},
		{NotFound("missing"), http.StatusNotFound},
		{DuplicateExecution("twice"), http.StatusConflict},
		{TargetNotFound("version 3"), http.StatusConflict},
	}
	for _, tc := range cases {
		if got := tc.err.StatusCode(); got != tc.want {
			t.Fatalf("%s: StatusCode() = %d, want %d", tc.err.Code, got, tc.want)
		}
	}
}

func TestFromValidationKeepsFieldMessages(t *testing.T) {
	err := FromValidation(validation.Errors{"title": errors.New("cannot be blank")})
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindValidation {
		t.Fatalf("FromValidation() = %v, want validation error", err)
	}
	if typed.Fields["title"] != "cannot be blank" {
		t.Fatalf("unexpected fields: %v", typed.Fields)
	}
	if FromValidation(nil) != nil {
		t.Fatal("FromValidation(nil) must be nil")
	}
}
