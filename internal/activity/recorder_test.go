package activity

import (
	"context"
	"errors"
	"testing"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

func TestRecordDeduplicatesConsecutiveEntries(t *testing.T) {
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	r := NewRecorder(mem, nil)
	ctx := context.Background()

	steps := []struct {
		user   int64
		action Action
		want   bool
	}{
		{1, ActionCreated, true},
		{2, ActionApproved, true},
		{2, ActionApproved, false},
		{3, ActionApproved, true},
		{2, ActionApproved, true},
	}
	for i, step := range steps {
		_, wrote, err := r.Record(ctx, org, 9, step.user, step.action)
		if err != nil {
			t.Fatalf("step %d: Record() error = %v", i, err)
		}
		if wrote != step.want {
			t.Fatalf("step %d: wrote = %v, want %v", i, wrote, step.want)
		}
	}
	entries, err := r.List(ctx, org, 9)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	if _, _, err := NewRecorder(mem, nil).Record(context.Background(), org, 1, 1, Action("exploded")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Record() error = %v, want validation error", err)
	}
	if _, err := ParseAction("merged"); err != nil {
		t.Fatalf("ParseAction() error = %v", err)
	}
}
