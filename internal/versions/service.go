// Package versions owns the immutable version chain of documents and
// categories. All writes go through CreateVersion, SoftDelete, StageDeletion
// and PromoteToMerged.
package versions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const maxCategoryDepth = 64

// BranchContext selects what a reader sees. A nil UserBranchID reads the
// merged baseline only.
type BranchContext struct {
	UserBranchID *int64
}

func OnBranch(branchID int64) BranchContext {
	return BranchContext{UserBranchID: &branchID}
}

// PathPolicy decides what happens when a category path does not resolve.
type PathPolicy string

const (
	PathReject   PathPolicy = "reject"
	PathFallback PathPolicy = "fallback"
)

func ParsePathPolicy(value string) PathPolicy {
	if strings.EqualFold(strings.TrimSpace(value), string(PathFallback)) {
		return PathFallback
	}
	return PathReject
}

type Fields struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Content      string `json:"content"`
	Slug         string `json:"slug"`
	SidebarLabel string `json:"sidebar_label"`
	Position     int    `json:"position"`
	ParentID     *int64 `json:"parent_id"`
}

// FieldsOf copies the editable fields out of a version.
func FieldsOf(v store.Version) Fields {
	return Fields{
		Title:        v.Title,
		Description:  v.Description,
		Content:      v.Content,
		Slug:         v.Slug,
		SidebarLabel: v.SidebarLabel,
		Position:     v.Position,
		ParentID:     v.ParentID,
	}
}

type CreateCommand struct {
	// EntityID zero creates a new entity.
	EntityID      int64
	Kind          store.EntityKind
	BranchID      int64
	EditSessionID *int64
	// CategoryPath is resolved into ParentID when ParentID is nil.
	CategoryPath string
	// Rebase takes the current merged version as the baseline instead of
	// the one an earlier draft on the branch was derived from.
	Rebase bool
	Fields
}

type Service struct {
	store  store.Store
	policy PathPolicy
	now    func() time.Time
}

func NewService(s store.Store, policy PathPolicy) *Service {
	if policy == "" {
		policy = PathReject
	}
	return &Service{store: s, policy: policy, now: time.Now}
}

// DefaultCategory is the synthetic "uncategorized" root shared by every
// organization.
func DefaultCategory(org store.OrgID) store.Version {
	return store.Version{
		EntityID:       store.DefaultCategoryID,
		OrganizationID: org,
		Kind:           store.KindCategory,
		Title:          "Uncategorized",
		Slug:           store.DefaultCategorySlug,
		SidebarLabel:   "Uncategorized",
		Status:         store.StatusMerged,
	}
}

// GetCurrentVersion returns the branch's draft when one exists, otherwise the
// latest merged version. A draft that stages a deletion hides the entity.
func (s *Service) GetCurrentVersion(ctx context.Context, org store.OrgID, entityID int64, bc BranchContext) (store.Version, error) {
	if entityID == store.DefaultCategoryID {
		return DefaultCategory(org), nil
	}
	if bc.UserBranchID != nil {
		v, err := s.store.CurrentBranchVersion(ctx, org, entityID, *bc.UserBranchID)
		switch {
		case err == nil && v.IsDeleted():
			return store.Version{}, domain.NotFound("entity %d is deleted on this branch", entityID)
		case err == nil:
			return v, nil
		case !errors.Is(err, store.ErrNotFound):
			return store.Version{}, fmt.Errorf("load branch version: %w", err)
		}
	}
	v, err := s.store.CurrentMergedVersion(ctx, org, entityID, store.Lookup{})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Version{}, domain.NotFound("entity %d not found", entityID)
		}
		return store.Version{}, fmt.Errorf("load merged version: %w", err)
	}
	return v, nil
}

func (s *Service) validate(kind store.EntityKind, f *Fields) error {
	if kind != store.KindDocument && kind != store.KindCategory {
		return domain.ValidationField("type", "must be document or category")
	}
	err := validation.ValidateStruct(f,
		validation.Field(&f.Title, validation.Required, validation.RuneLength(1, 255)),
		validation.Field(&f.Slug, validation.Required, validation.RuneLength(1, 255), validation.Match(slugPattern)),
		validation.Field(&f.Content, validation.When(kind == store.KindDocument, validation.Required)),
		validation.Field(&f.SidebarLabel, validation.RuneLength(0, 255)),
		validation.Field(&f.Position, validation.Min(0)),
	)
	return domain.FromValidation(err)
}

// CreateVersion appends a draft to the branch. The draft remembers the merged
// version it was derived from so the branch diff stays stable while the
// baseline moves.
func (s *Service) CreateVersion(ctx context.Context, org store.OrgID, cmd CreateCommand) (store.Version, error) {
	fields := cmd.Fields
	fields.Title = strings.TrimSpace(fields.Title)
	fields.Slug = strings.TrimSpace(fields.Slug)
	if err := s.validate(cmd.Kind, &fields); err != nil {
		return store.Version{}, err
	}
	if cmd.BranchID <= 0 {
		return store.Version{}, domain.ValidationField("user_branch_id", "is required")
	}
	if cmd.EntityID == store.DefaultCategoryID {
		return store.Version{}, domain.ValidationField("entity_id", "the default category cannot be edited")
	}
	bc := OnBranch(cmd.BranchID)

	var created store.Version
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		entityID := cmd.EntityID
		var base *int64
		if entityID != 0 {
			entity, err := s.store.GetEntity(ctx, org, entityID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return domain.NotFound("entity %d not found", entityID)
				}
				return fmt.Errorf("load entity: %w", err)
			}
			if entity.Kind != cmd.Kind {
				return domain.ValidationField("type", fmt.Sprintf("entity %d is a %s", entityID, entity.Kind))
			}
			if base, err = s.baseFor(ctx, org, entityID, cmd.BranchID, cmd.Rebase); err != nil {
				return err
			}
		}

		if fields.ParentID == nil && strings.TrimSpace(cmd.CategoryPath) != "" {
			parentID, err := s.ResolveCategoryPath(ctx, org, cmd.CategoryPath, bc)
			if err != nil {
				return err
			}
			fields.ParentID = &parentID
		}
		if fields.ParentID == nil && cmd.Kind == store.KindDocument {
			def := store.DefaultCategoryID
			fields.ParentID = &def
		}
		if err := s.checkParent(ctx, org, entityID, fields.ParentID, bc); err != nil {
			return err
		}
		if err := s.checkSiblingSlug(ctx, org, entityID, cmd.Kind, fields, bc); err != nil {
			return err
		}

		if entityID == 0 {
			entity, err := s.store.CreateEntity(ctx, org, cmd.Kind)
			if err != nil {
				return fmt.Errorf("create entity: %w", err)
			}
			entityID = entity.ID
		}

		branchID := cmd.BranchID
		v, err := s.store.InsertVersion(ctx, org, store.Version{
			EntityID:      entityID,
			Kind:          cmd.Kind,
			Title:         fields.Title,
			Description:   fields.Description,
			Content:       fields.Content,
			Slug:          fields.Slug,
			SidebarLabel:  fields.SidebarLabel,
			Position:      fields.Position,
			ParentID:      fields.ParentID,
			Status:        store.StatusDraft,
			UserBranchID:  &branchID,
			EditSessionID: cmd.EditSessionID,
			BaseVersionID: base,
		})
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		created = v
		return nil
	})
	return created, err
}

// baseFor keeps the baseline of an earlier draft on the same branch unless
// rebasing, else takes the current merged version.
func (s *Service) baseFor(ctx context.Context, org store.OrgID, entityID, branchID int64, rebase bool) (*int64, error) {
	if !rebase {
		prev, err := s.store.CurrentBranchVersion(ctx, org, entityID, branchID)
		if err == nil {
			return prev.BaseVersionID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load branch version: %w", err)
		}
	}
	merged, err := s.store.CurrentMergedVersion(ctx, org, entityID, store.Lookup{})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load merged version: %w", err)
	}
	id := merged.ID
	return &id, nil
}

func (s *Service) checkParent(ctx context.Context, org store.OrgID, entityID int64, parentID *int64, bc BranchContext) error {
	if parentID == nil || *parentID == store.DefaultCategoryID {
		return nil
	}
	if entityID != 0 && *parentID == entityID {
		return domain.ValidationField("parent_id", "a category cannot be its own parent")
	}
	next := parentID
	for depth := 0; next != nil && *next != store.DefaultCategoryID; depth++ {
		if depth > maxCategoryDepth {
			return domain.ValidationField("parent_id", "category tree is too deep")
		}
		parent, err := s.GetCurrentVersion(ctx, org, *next, bc)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ValidationField("parent_id", "must reference an existing category")
			}
			return err
		}
		if parent.Kind != store.KindCategory {
			return domain.ValidationField("parent_id", "must reference a category")
		}
		if entityID != 0 && parent.ParentID != nil && *parent.ParentID == entityID {
			return domain.ValidationField("parent_id", "would create a category cycle")
		}
		next = parent.ParentID
	}
	return nil
}

func (s *Service) checkSiblingSlug(ctx context.Context, org store.OrgID, entityID int64, kind store.EntityKind, f Fields, bc BranchContext) error {
	visible, err := s.Visible(ctx, org, kind, bc)
	if err != nil {
		return err
	}
	for _, v := range visible {
		if v.EntityID == entityID || v.Slug != f.Slug || !sameParent(v.ParentID, f.ParentID) {
			continue
		}
		return domain.ValidationField("slug", fmt.Sprintf("slug %q is already used under this parent", f.Slug))
	}
	return nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Visible lists the current version of every live entity of one kind as seen
// from the branch context.
func (s *Service) Visible(ctx context.Context, org store.OrgID, kind store.EntityKind, bc BranchContext) ([]store.Version, error) {
	merged, err := s.store.ListMergedVersions(ctx, org, kind)
	if err != nil {
		return nil, fmt.Errorf("list merged versions: %w", err)
	}
	if bc.UserBranchID == nil {
		return merged, nil
	}
	drafts, err := s.store.ListBranchVersions(ctx, org, *bc.UserBranchID)
	if err != nil {
		return nil, fmt.Errorf("list branch versions: %w", err)
	}
	overlay := make(map[int64]store.Version, len(drafts))
	for _, d := range drafts {
		if d.Kind == kind {
			overlay[d.EntityID] = d
		}
	}
	out := make([]store.Version, 0, len(merged)+len(overlay))
	for _, m := range merged {
		if d, ok := overlay[m.EntityID]; ok {
			delete(overlay, m.EntityID)
			if d.IsDeleted() {
				continue
			}
			out = append(out, d)
			continue
		}
		out = append(out, m)
	}
	for _, d := range drafts {
		if _, ok := overlay[d.EntityID]; ok && !d.IsDeleted() {
			out = append(out, d)
		}
	}
	return out, nil
}

// ResolveCategoryPath walks a slash-delimited slug path from the root and
// returns the entity id of the last segment.
func (s *Service) ResolveCategoryPath(ctx context.Context, org store.OrgID, path string, bc BranchContext) (int64, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return store.DefaultCategoryID, nil
	}
	categories, err := s.Visible(ctx, org, store.KindCategory, bc)
	if err != nil {
		return 0, err
	}

	var parent *int64
	for i, segment := range strings.Split(trimmed, "/") {
		if i == 0 && segment == store.DefaultCategorySlug {
			def := store.DefaultCategoryID
			parent = &def
			continue
		}
		found := false
		for _, c := range categories {
			if c.Slug == segment && sameParent(c.ParentID, parent) {
				id := c.EntityID
				parent = &id
				found = true
				break
			}
		}
		if !found {
			if s.policy == PathFallback {
				return store.DefaultCategoryID, nil
			}
			return 0, domain.ValidationField("category_path", fmt.Sprintf("category path %q does not resolve", path))
		}
	}
	return *parent, nil
}

// SoftDelete stamps deleted_at on one version. Rows are never removed.
func (s *Service) SoftDelete(ctx context.Context, org store.OrgID, versionID int64) error {
	if _, err := s.store.GetVersion(ctx, org, versionID, store.IncludeDeleted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("version %d not found", versionID)
		}
		return fmt.Errorf("load version: %w", err)
	}
	if err := s.store.SoftDeleteVersion(ctx, org, versionID, s.now()); err != nil {
		return fmt.Errorf("soft delete version: %w", err)
	}
	return nil
}

// StageDeletion proposes removing an entity on a branch: the visible version
// is copied into a new draft and that draft is soft-deleted.
func (s *Service) StageDeletion(ctx context.Context, org store.OrgID, branchID, entityID int64, editSessionID *int64) (store.Version, error) {
	if entityID == store.DefaultCategoryID {
		return store.Version{}, domain.ValidationField("entity_id", "the default category cannot be deleted")
	}
	bc := OnBranch(branchID)
	var staged store.Version
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		current, err := s.GetCurrentVersion(ctx, org, entityID, bc)
		if err != nil {
			return err
		}
		if current.Kind == store.KindCategory {
			for _, kind := range []store.EntityKind{store.KindCategory, store.KindDocument} {
				children, err := s.Visible(ctx, org, kind, bc)
				if err != nil {
					return err
				}
				for _, child := range children {
					if child.ParentID != nil && *child.ParentID == entityID {
						return domain.Conflict("CATEGORY_NOT_EMPTY", "category %d still has children", entityID)
					}
				}
			}
		}
		base, err := s.baseFor(ctx, org, entityID, branchID, false)
		if err != nil {
			return err
		}
		draft := current
		draft.ID = 0
		draft.Status = store.StatusDraft
		draft.UserBranchID = &branchID
		draft.EditSessionID = editSessionID
		draft.BaseVersionID = base
		draft.MergeSeq = 0
		draft.MergedAt = nil
		draft.Lifecycle = store.Lifecycle{}
		inserted, err := s.store.InsertVersion(ctx, org, draft)
		if err != nil {
			return fmt.Errorf("insert deletion draft: %w", err)
		}
		if err := s.SoftDelete(ctx, org, inserted.ID); err != nil {
			return err
		}
		staged, err = s.store.GetVersion(ctx, org, inserted.ID, store.IncludeDeleted)
		if err != nil {
			return fmt.Errorf("reload deletion draft: %w", err)
		}
		return nil
	})
	return staged, err
}

// PromoteToMerged moves drafts into the merged baseline. Versions that are
// already merged are skipped, so repeating the call is a no-op.
func (s *Service) PromoteToMerged(ctx context.Context, org store.OrgID, versionIDs []int64) (int, error) {
	if len(versionIDs) == 0 {
		return 0, nil
	}
	n, err := s.store.PromoteVersions(ctx, org, versionIDs, s.now())
	if err != nil {
		return 0, fmt.Errorf("promote versions: %w", err)
	}
	return n, nil
}
