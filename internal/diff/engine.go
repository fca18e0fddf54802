package diff

import (
	"context"
	"errors"
	"fmt"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

type Engine struct {
	store store.Store
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// ComputeBranchDiff lists the branch's effective changes in the order the
// current drafts were written. Each draft is compared with the entity's
// merged version as it stands now, whatever branch it was cut from.
func (e *Engine) ComputeBranchDiff(ctx context.Context, org store.OrgID, branchID int64) ([]Item, error) {
	drafts, err := e.store.ListBranchVersions(ctx, org, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch versions: %w", err)
	}
	items := make([]Item, 0, len(drafts))
	for _, draft := range drafts {
		baseline, err := e.merged(ctx, org, draft.EntityID)
		if err != nil {
			return nil, err
		}
		if item, ok := Compare(baseline, draft); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// ComputeConflictDiff compares the pull request's drafts with the baseline as
// it stands now, which may have advanced since the branch was cut.
func (e *Engine) ComputeConflictDiff(ctx context.Context, org store.OrgID, pullRequestID int64) ([]Item, error) {
	pr, err := e.store.GetPullRequest(ctx, org, pullRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound("pull request %d not found", pullRequestID)
		}
		return nil, fmt.Errorf("load pull request: %w", err)
	}
	drafts, err := e.store.ListBranchVersions(ctx, org, pr.UserBranchID)
	if err != nil {
		return nil, fmt.Errorf("list branch versions: %w", err)
	}
	items := make([]Item, 0, len(drafts))
	for _, draft := range drafts {
		base, err := e.base(ctx, org, draft)
		if err != nil {
			return nil, err
		}
		upstream, err := e.merged(ctx, org, draft.EntityID)
		if err != nil {
			return nil, err
		}
		if item, ok := CompareConflict(base, upstream, draft); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// base loads the merged version a draft was derived from, tombstone included.
func (e *Engine) base(ctx context.Context, org store.OrgID, draft store.Version) (*store.Version, error) {
	if draft.BaseVersionID == nil {
		return nil, nil
	}
	v, err := e.store.GetVersion(ctx, org, *draft.BaseVersionID, store.IncludeDeleted)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.TargetNotFound("baseline version %d of entity %d no longer exists", *draft.BaseVersionID, draft.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline version: %w", err)
	}
	return &v, nil
}

func (e *Engine) merged(ctx context.Context, org store.OrgID, entityID int64) (*store.Version, error) {
	v, err := e.store.CurrentMergedVersion(ctx, org, entityID, store.IncludeDeleted)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load merged version: %w", err)
	}
	return &v, nil
}
