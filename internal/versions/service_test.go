package versions

import (
	"context"
	"errors"
	"testing"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

func newService(t *testing.T, policy PathPolicy) (*Service, *store.MemoryStore, store.OrgID) {
	t.Helper()
	mem := store.NewMemoryStore()
	org := mem.AddOrganization("acme")
	return NewService(mem, policy), mem, org
}

func category(branchID int64, slug string, parent *int64) CreateCommand {
	return CreateCommand{
		Kind:     store.KindCategory,
		BranchID: branchID,
		Fields:   Fields{Title: slug, Slug: slug, ParentID: parent},
	}
}

func TestCreateThenGetReturnsDraftOnBranch(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	v, err := svc.CreateVersion(ctx, org, CreateCommand{
		Kind:     store.KindDocument,
		BranchID: 3,
		Fields:   Fields{Title: "Setup Guide", Slug: "setup-guide", Content: "# Setup"},
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if v.Status != store.StatusDraft || v.ParentID == nil || *v.ParentID != store.DefaultCategoryID {
		t.Fatalf("unexpected draft: %+v", v)
	}

	got, err := svc.GetCurrentVersion(ctx, org, v.EntityID, OnBranch(3))
	if err != nil {
		t.Fatalf("GetCurrentVersion() error = %v", err)
	}
	if got.ID != v.ID {
		t.Fatalf("expected draft %d, got %d", v.ID, got.ID)
	}
	if _, err := svc.GetCurrentVersion(ctx, org, v.EntityID, BranchContext{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unmerged draft visible without branch context: %v", err)
	}
}

func TestCreateVersionValidatesFields(t *testing.T) {
	svc, _, org := newService(t, PathReject)

	_, err := svc.CreateVersion(context.Background(), org, CreateCommand{
		Kind:     store.KindDocument,
		BranchID: 1,
		Fields:   Fields{Title: " ", Slug: "bad slug", Position: -1},
	})
	var typed *domain.Error
	if !errors.As(err, &typed) || typed.Kind != domain.KindValidation {
		t.Fatalf("CreateVersion() error = %v, want validation error", err)
	}
	for _, field := range []string{"title", "slug", "content", "position"} {
		if _, ok := typed.Fields[field]; !ok {
			t.Fatalf("expected a %s message, got %v", field, typed.Fields)
		}
	}
}

func TestSlugUniqueWithinParent(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	first, err := svc.CreateVersion(ctx, org, category(1, "guide", nil))
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	_, err = svc.CreateVersion(ctx, org, category(1, "guide", nil))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for sibling slug, got %v", err)
	}

	parent := first.EntityID
	if _, err := svc.CreateVersion(ctx, org, category(1, "guide", &parent)); err != nil {
		t.Fatalf("same slug under a different parent should succeed: %v", err)
	}
	if _, err := svc.CreateVersion(ctx, org, category(1, "Guide", nil)); err != nil {
		t.Fatalf("slug comparison must be case-sensitive: %v", err)
	}
}

func TestEditingAnEntityKeepsItsOwnSlug(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	first, _ := svc.CreateVersion(ctx, org, category(1, "guide", nil))
	cmd := category(1, "guide", nil)
	cmd.EntityID = first.EntityID
	cmd.Title = "Guides"
	second, err := svc.CreateVersion(ctx, org, cmd)
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if second.EntityID != first.EntityID || second.ID == first.ID {
		t.Fatalf("expected a new version of the same entity: %+v", second)
	}
}

func TestParentMustBeCategoryWithoutCycles(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	doc, _ := svc.CreateVersion(ctx, org, CreateCommand{
		Kind: store.KindDocument, BranchID: 1,
		Fields: Fields{Title: "Doc", Slug: "doc", Content: "x"},
	})
	docID := doc.EntityID
	if _, err := svc.CreateVersion(ctx, org, category(1, "child", &docID)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for document parent, got %v", err)
	}

	a, _ := svc.CreateVersion(ctx, org, category(1, "a", nil))
	aID := a.EntityID
	b, _ := svc.CreateVersion(ctx, org, category(1, "b", &aID))
	bID := b.EntityID

	move := category(1, "a", &bID)
	move.EntityID = aID
	if _, err := svc.CreateVersion(ctx, org, move); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestResolveCategoryPath(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	guides, _ := svc.CreateVersion(ctx, org, category(1, "guides", nil))
	guidesID := guides.EntityID
	install, _ := svc.CreateVersion(ctx, org, category(1, "install", &guidesID))

	got, err := svc.ResolveCategoryPath(ctx, org, "/guides/install/", OnBranch(1))
	if err != nil {
		t.Fatalf("ResolveCategoryPath() error = %v", err)
	}
	if got != install.EntityID {
		t.Fatalf("ResolveCategoryPath() = %d, want %d", got, install.EntityID)
	}
	if got, _ := svc.ResolveCategoryPath(ctx, org, "uncategorized", BranchContext{}); got != store.DefaultCategoryID {
		t.Fatalf("default category path resolved to %d", got)
	}
	if _, err := svc.ResolveCategoryPath(ctx, org, "guides/missing", OnBranch(1)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unresolved path should fail closed, got %v", err)
	}
	// another branch cannot see branch 1's drafts
	if _, err := svc.ResolveCategoryPath(ctx, org, "guides", OnBranch(2)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("path resolved through another branch's drafts: %v", err)
	}
}

func TestResolveCategoryPathFallback(t *testing.T) {
	svc, _, org := newService(t, PathFallback)
	got, err := svc.ResolveCategoryPath(context.Background(), org, "nowhere/at/all", BranchContext{})
	if err != nil {
		t.Fatalf("ResolveCategoryPath() error = %v", err)
	}
	if got != store.DefaultCategoryID {
		t.Fatalf("ResolveCategoryPath() = %d, want default category", got)
	}
}

func TestCreateVersionResolvesCategoryPath(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()
	guides, _ := svc.CreateVersion(ctx, org, category(4, "guides", nil))

	doc, err := svc.CreateVersion(ctx, org, CreateCommand{
		Kind: store.KindDocument, BranchID: 4, CategoryPath: "guides",
		Fields: Fields{Title: "Setup Guide", Slug: "setup", Content: "body"},
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if doc.ParentID == nil || *doc.ParentID != guides.EntityID {
		t.Fatalf("document parent = %v, want %d", doc.ParentID, guides.EntityID)
	}
}

func TestPromoteToMergedIsIdempotentAndBaselineMoves(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	draft, _ := svc.CreateVersion(ctx, org, category(1, "guides", nil))
	if n, err := svc.PromoteToMerged(ctx, org, []int64{draft.ID}); err != nil || n != 1 {
		t.Fatalf("PromoteToMerged() = %d, %v", n, err)
	}
	if n, err := svc.PromoteToMerged(ctx, org, []int64{draft.ID}); err != nil || n != 0 {
		t.Fatalf("second PromoteToMerged() = %d, %v", n, err)
	}

	merged, err := svc.GetCurrentVersion(ctx, org, draft.EntityID, BranchContext{})
	if err != nil {
		t.Fatalf("GetCurrentVersion() error = %v", err)
	}
	if merged.Status != store.StatusMerged || merged.UserBranchID != nil {
		t.Fatalf("unexpected merged version: %+v", merged)
	}

	edit := category(2, "guides", nil)
	edit.EntityID = draft.EntityID
	edit.Title = "Guides v2"
	next, err := svc.CreateVersion(ctx, org, edit)
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if next.BaseVersionID == nil || *next.BaseVersionID != merged.ID {
		t.Fatalf("draft base = %v, want %d", next.BaseVersionID, merged.ID)
	}
}

func TestStageDeletionHidesEntityOnBranch(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	doc, _ := svc.CreateVersion(ctx, org, CreateCommand{
		Kind: store.KindDocument, BranchID: 1,
		Fields: Fields{Title: "Doc", Slug: "doc", Content: "x"},
	})
	svc.PromoteToMerged(ctx, org, []int64{doc.ID})

	staged, err := svc.StageDeletion(ctx, org, 2, doc.EntityID, nil)
	if err != nil {
		t.Fatalf("StageDeletion() error = %v", err)
	}
	if !staged.IsDeleted() || staged.BaseVersionID == nil {
		t.Fatalf("unexpected staged deletion: %+v", staged)
	}
	if _, err := svc.GetCurrentVersion(ctx, org, doc.EntityID, OnBranch(2)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted entity still visible on branch: %v", err)
	}
	if _, err := svc.GetCurrentVersion(ctx, org, doc.EntityID, BranchContext{}); err != nil {
		t.Fatalf("baseline should be untouched: %v", err)
	}
}

func TestStageDeletionRejectsNonEmptyCategory(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()
	guides, _ := svc.CreateVersion(ctx, org, category(1, "guides", nil))
	parent := guides.EntityID
	svc.CreateVersion(ctx, org, category(1, "install", &parent))

	if _, err := svc.StageDeletion(ctx, org, 1, guides.EntityID, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict deleting a non-empty category, got %v", err)
	}
}

func TestSoftDeleteKeepsTheRow(t *testing.T) {
	svc, mem, org := newService(t, PathReject)
	ctx := context.Background()
	doc, err := svc.CreateVersion(ctx, org, CreateCommand{
		Kind: store.KindDocument, BranchID: 4,
		Fields: Fields{Title: "Doc", Slug: "doc", Content: "x"},
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	if err := svc.SoftDelete(ctx, org, doc.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if _, err := mem.GetVersion(ctx, org, doc.ID, store.Lookup{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("soft-deleted row visible by default: %v", err)
	}
	kept, err := mem.GetVersion(ctx, org, doc.ID, store.IncludeDeleted)
	if err != nil || !kept.IsDeleted() {
		t.Fatalf("expected the stamped row, got %+v, %v", kept, err)
	}
	if err := svc.SoftDelete(ctx, org, 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SoftDelete(missing) error = %v, want not found", err)
	}
}

func TestDefaultCategoryIsAlwaysVisible(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	v, err := svc.GetCurrentVersion(context.Background(), org, store.DefaultCategoryID, BranchContext{})
	if err != nil {
		t.Fatalf("GetCurrentVersion() error = %v", err)
	}
	if v.Slug != store.DefaultCategorySlug || v.Kind != store.KindCategory {
		t.Fatalf("unexpected default category: %+v", v)
	}
}

func TestRebaseTakesCurrentMergedBaseline(t *testing.T) {
	svc, _, org := newService(t, PathReject)
	ctx := context.Background()

	first, _ := svc.CreateVersion(ctx, org, category(1, "guides", nil))
	svc.PromoteToMerged(ctx, org, []int64{first.ID})

	edit := category(2, "guides", nil)
	edit.EntityID = first.EntityID
	edit.Title = "Branch two"
	old, _ := svc.CreateVersion(ctx, org, edit)

	upstream := category(3, "guides", nil)
	upstream.EntityID = first.EntityID
	upstream.Title = "Branch three"
	merged, _ := svc.CreateVersion(ctx, org, upstream)
	svc.PromoteToMerged(ctx, org, []int64{merged.ID})

	edit.Title = "Branch two again"
	kept, err := svc.CreateVersion(ctx, org, edit)
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if *kept.BaseVersionID != *old.BaseVersionID {
		t.Fatalf("plain edit moved baseline to %d", *kept.BaseVersionID)
	}

	edit.Rebase = true
	rebased, err := svc.CreateVersion(ctx, org, edit)
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if rebased.BaseVersionID == nil || *rebased.BaseVersionID != merged.ID {
		t.Fatalf("rebased draft base = %v, want %d", rebased.BaseVersionID, merged.ID)
	}
}
