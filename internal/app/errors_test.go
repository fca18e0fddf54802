package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", domain.ValidationField("title", "cannot be blank"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unauthorized", domain.Unauthorized("edit session has expired"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", domain.Forbidden("nope"), http.StatusForbidden, "FORBIDDEN"},
		{"not found", domain.NotFound("pull request %d not found", 4), http.StatusNotFound, "NOT_FOUND"},
		{"duplicate execution", domain.DuplicateExecution("already applied"), http.StatusConflict, "DUPLICATE_EXECUTION"},
		{"target not found", domain.TargetNotFound("version %d moved", 9), http.StatusConflict, "TARGET_DOCUMENT_NOT_FOUND"},
		{"wrapped domain error", fmt.Errorf("apply: %w", domain.Forbidden("nope")), http.StatusForbidden, "FORBIDDEN"},
		{"store not found", fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"store duplicate", store.ErrDuplicate, http.StatusConflict, "CONFLICT"},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := mapError(tt.err)
			if status != tt.wantStatus {
				t.Errorf("mapError() status = %d, want %d", status, tt.wantStatus)
			}
			if body.Code != tt.wantCode {
				t.Errorf("mapError() code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Error == "" {
				t.Errorf("mapError() returned an empty message")
			}
		})
	}
}

func TestMapErrorKeepsFieldDetails(t *testing.T) {
	_, body := mapError(domain.Validation(map[string]string{"slug": "must be unique among siblings"}))
	if body.Details["slug"] != "must be unique among siblings" {
		t.Fatalf("expected slug detail, got %+v", body.Details)
	}
}

func TestMapErrorHidesInternalMessages(t *testing.T) {
	_, body := mapError(errors.New("pq: password authentication failed"))
	if body.Error != "Internal server error" {
		t.Fatalf("expected a generic message, got %q", body.Error)
	}
}
