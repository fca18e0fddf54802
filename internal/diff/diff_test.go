package diff

import (
	"context"
	"errors"
	"testing"
	"time"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

func ptr(v int64) *int64 { return &v }

func doc(title, content string) store.Version {
	return store.Version{EntityID: 5, Kind: store.KindDocument, Title: title, Slug: "setup", Content: content, ParentID: ptr(1)}
}

func TestCompareCreated(t *testing.T) {
	item, ok := Compare(nil, doc("Setup Guide", "body"))
	if !ok || item.Operation != OpCreated {
		t.Fatalf("Compare() = %+v, %v", item, ok)
	}
	if item.ChangedFields["title"].Status != FieldAdded {
		t.Fatalf("title status = %s, want added", item.ChangedFields["title"].Status)
	}
	if item.ChangedFields["sidebar_label"].Status != FieldUnchanged {
		t.Fatalf("empty field should be unchanged, got %s", item.ChangedFields["sidebar_label"].Status)
	}
	if len(item.ChangedFields) != len(TrackedFields) {
		t.Fatalf("expected every tracked field, got %d", len(item.ChangedFields))
	}
}

func TestCompareUpdatedAndNoop(t *testing.T) {
	base := doc("Setup", "body")
	draft := doc("Setup Guide", "")

	item, ok := Compare(&base, draft)
	if !ok || item.Operation != OpUpdated {
		t.Fatalf("Compare() = %+v, %v", item, ok)
	}
	title := item.ChangedFields["title"]
	if title.Status != FieldModified || *title.Original != "Setup" || *title.Current != "Setup Guide" {
		t.Fatalf("unexpected title change: %+v", title)
	}
	if item.ChangedFields["content"].Status != FieldDeleted {
		t.Fatalf("content status = %s, want deleted", item.ChangedFields["content"].Status)
	}
	if item.ChangedFields["slug"].Status != FieldUnchanged {
		t.Fatalf("slug status = %s, want unchanged", item.ChangedFields["slug"].Status)
	}

	if _, ok := Compare(&base, doc("Setup", "body")); ok {
		t.Fatal("identical draft should be omitted")
	}
}

func TestCompareDeleted(t *testing.T) {
	base := doc("Setup", "body")
	draft := doc("Setup", "body")
	now := time.Now()
	draft.DeletedAt = &now

	item, ok := Compare(&base, draft)
	if !ok || item.Operation != OpDeleted {
		t.Fatalf("Compare() = %+v, %v", item, ok)
	}
	if item.ChangedFields["title"].Status != FieldDeleted {
		t.Fatalf("title status = %s, want deleted", item.ChangedFields["title"].Status)
	}

	if _, ok := Compare(nil, draft); ok {
		t.Fatal("created-then-deleted entity should be omitted")
	}
}

func TestCompareConflictFlagsBothSidesMoved(t *testing.T) {
	base := doc("Setup", "body")
	upstream := doc("Setup (A)", "body v2")
	draft := doc("Setup (B)", "body")

	item, ok := CompareConflict(&base, &upstream, draft)
	if !ok || item.Operation != OpUpdated {
		t.Fatalf("CompareConflict() = %+v, %v", item, ok)
	}
	title := item.ChangedFields["title"]
	if !title.Conflict || *title.Original != "Setup (A)" || *title.Current != "Setup (B)" {
		t.Fatalf("unexpected title change: %+v", title)
	}
	// only upstream touched content
	if item.ChangedFields["content"].Conflict {
		t.Fatal("content changed only upstream and must not conflict")
	}
}

func TestCompareConflictDeletedUpstream(t *testing.T) {
	base := doc("Setup", "body")
	upstream := doc("Setup", "body")
	now := time.Now()
	upstream.DeletedAt = &now
	draft := doc("Setup Guide", "body")

	item, ok := CompareConflict(&base, &upstream, draft)
	if !ok || item.Operation != OpDeletedUpstream {
		t.Fatalf("CompareConflict() = %+v, %v", item, ok)
	}
	if !item.ChangedFields["title"].Conflict || item.ChangedFields["content"].Conflict {
		t.Fatalf("unexpected conflict flags: %+v", item.ChangedFields)
	}
	if _, ok := CompareConflict(&base, nil, draft); !ok {
		t.Fatal("missing upstream should also read as deleted upstream")
	}

	deleted := draft
	deleted.DeletedAt = &now
	if _, ok := CompareConflict(&base, &upstream, deleted); ok {
		t.Fatal("deleting an entity already deleted upstream is not a change")
	}
}

func TestEngineBranchDiffKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	engine := NewEngine(mem)
	branch := int64(3)

	a, _ := mem.CreateEntity(ctx, org, store.KindDocument)
	b, _ := mem.CreateEntity(ctx, org, store.KindCategory)
	mem.InsertVersion(ctx, org, store.Version{EntityID: b.ID, Kind: store.KindCategory, Title: "Guides", Slug: "guides", UserBranchID: &branch})
	mem.InsertVersion(ctx, org, store.Version{EntityID: a.ID, Kind: store.KindDocument, Title: "A", Slug: "a", Content: "x", UserBranchID: &branch})

	items, err := engine.ComputeBranchDiff(ctx, org, branch)
	if err != nil {
		t.Fatalf("ComputeBranchDiff() error = %v", err)
	}
	if len(items) != 2 || items[0].EntityID != b.ID || items[1].EntityID != a.ID {
		t.Fatalf("unexpected order: %+v", items)
	}
	if items[0].Type != store.KindCategory || items[0].Operation != OpCreated {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
}

// Two branches edit the same title; A merges first, then B's conflict diff
// shows A's merged value as the original.
func TestEngineConflictDiffAgainstAdvancedBaseline(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	engine := NewEngine(mem)

	entity, _ := mem.CreateEntity(ctx, org, store.KindDocument)
	seed, _ := mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Setup", Slug: "setup", Content: "x", UserBranchID: ptr(99)})
	mem.PromoteVersions(ctx, org, []int64{seed.ID}, time.Now())

	branchA, branchB := int64(1), int64(2)
	draftA, _ := mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Setup A", Slug: "setup", Content: "x", UserBranchID: &branchA, BaseVersionID: &seed.ID})
	mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Setup B", Slug: "setup", Content: "x", UserBranchID: &branchB, BaseVersionID: &seed.ID})
	pr, _ := mem.InsertPullRequest(ctx, org, store.PullRequest{UserBranchID: branchB, UserID: 2, Title: "B", Status: store.PROpened})

	mem.PromoteVersions(ctx, org, []int64{draftA.ID}, time.Now())

	items, err := engine.ComputeConflictDiff(ctx, org, pr.ID)
	if err != nil {
		t.Fatalf("ComputeConflictDiff() error = %v", err)
	}
	if len(items) != 1 || items[0].Operation != OpUpdated {
		t.Fatalf("unexpected conflict diff: %+v", items)
	}
	title := items[0].ChangedFields["title"]
	if *title.Original != "Setup A" || *title.Current != "Setup B" || !title.Conflict {
		t.Fatalf("unexpected title change: %+v", title)
	}

	// the branch diff reads the merged version as it is now, not the one B was cut from
	branchItems, err := engine.ComputeBranchDiff(ctx, org, branchB)
	if err != nil {
		t.Fatalf("ComputeBranchDiff() error = %v", err)
	}
	if len(branchItems) != 1 {
		t.Fatalf("unexpected branch diff: %+v", branchItems)
	}
	if got := *branchItems[0].ChangedFields["title"].Original; got != "Setup A" {
		t.Fatalf("branch diff original = %q, want Setup A", got)
	}
}

func TestEngineBranchDiffOmitsDraftMatchingAdvancedBaseline(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	engine := NewEngine(mem)

	entity, _ := mem.CreateEntity(ctx, org, store.KindDocument)
	seed, _ := mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Orig", Slug: "setup", Content: "x", UserBranchID: ptr(99)})
	mem.PromoteVersions(ctx, org, []int64{seed.ID}, time.Now())

	branchA, branchB := int64(1), int64(2)
	fromA, _ := mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Same", Slug: "setup", Content: "x", UserBranchID: &branchA, BaseVersionID: &seed.ID})
	mem.InsertVersion(ctx, org, store.Version{EntityID: entity.ID, Kind: store.KindDocument, Title: "Same", Slug: "setup", Content: "x", UserBranchID: &branchB, BaseVersionID: &seed.ID})
	mem.PromoteVersions(ctx, org, []int64{fromA.ID}, time.Now())

	items, err := engine.ComputeBranchDiff(ctx, org, branchB)
	if err != nil {
		t.Fatalf("ComputeBranchDiff() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("draft equal to the merged version should be omitted, got %+v", items)
	}
}

func TestEngineConflictDiffUnknownPullRequest(t *testing.T) {
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	if _, err := NewEngine(mem).ComputeConflictDiff(context.Background(), org, 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ComputeConflictDiff() error = %v, want not found", err)
	}
}
