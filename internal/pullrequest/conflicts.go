package pullrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"handbook/api/internal/activity"
	"handbook/api/internal/diff"
	"handbook/api/internal/domain"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

func (s *Service) ConflictDiff(ctx context.Context, org store.OrgID, pullRequestID int64) ([]diff.Item, error) {
	return s.diffs.ComputeConflictDiff(ctx, org, pullRequestID)
}

type StageCommand struct {
	EntityID int64
	Fields   versions.Fields
}

type stagedResolution struct {
	EntityID int64            `json:"entity_id"`
	Kind     store.EntityKind `json:"kind"`
	Fields   versions.Fields  `json:"fields"`
}

func conflictKey(org store.OrgID, pullRequestID, entityID int64) string {
	return fmt.Sprintf("conflicts/%d/%d/%d.json", org, pullRequestID, entityID)
}

// StageConflictTemporary keeps a participant's resolution for one entity
// until the conflict is resolved. Staging the same entity again replaces it.
func (s *Service) StageConflictTemporary(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor, cmd StageCommand) (store.ConflictTemporary, error) {
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.ConflictTemporary{}, err
	}
	if !pr.Status.IsOpen() {
		return store.ConflictTemporary{}, invalidStatus(pr)
	}
	if err := s.requireParticipant(ctx, org, pr, actor); err != nil {
		return store.ConflictTemporary{}, err
	}
	if cmd.EntityID <= 0 {
		return store.ConflictTemporary{}, domain.ValidationField("entity_id", "is required")
	}
	entity, err := s.store.GetEntity(ctx, org, cmd.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ConflictTemporary{}, domain.TargetNotFound("entity %d not found", cmd.EntityID)
	}
	if err != nil {
		return store.ConflictTemporary{}, fmt.Errorf("load entity: %w", err)
	}

	payload, err := json.Marshal(stagedResolution{EntityID: entity.ID, Kind: entity.Kind, Fields: cmd.Fields})
	if err != nil {
		return store.ConflictTemporary{}, fmt.Errorf("encode resolution: %w", err)
	}
	key := conflictKey(org, pr.ID, entity.ID)
	if err := s.blobs.Put(ctx, key, payload, "application/json"); err != nil {
		return store.ConflictTemporary{}, fmt.Errorf("store resolution: %w", err)
	}
	t, err := s.store.UpsertConflictTemporary(ctx, org, store.ConflictTemporary{
		PullRequestID: pr.ID,
		EntityID:      entity.ID,
		Kind:          entity.Kind,
		ObjectKey:     key,
		UserID:        actor.UserID,
	})
	if err != nil {
		return store.ConflictTemporary{}, fmt.Errorf("upsert conflict temporary: %w", err)
	}
	return t, nil
}

// ResolveConflict writes every staged resolution as a draft rebased on the
// current merged baseline, moves the host branch onto the base and pushes the
// result. The pull request returns to opened.
func (s *Service) ResolveConflict(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor) (store.PullRequest, error) {
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if !pr.Status.IsOpen() {
		return store.PullRequest{}, invalidStatus(pr)
	}
	if err := s.requireParticipant(ctx, org, pr, actor); err != nil {
		return store.PullRequest{}, err
	}
	temps, err := s.store.ListConflictTemporaries(ctx, org, pr.ID)
	if err != nil {
		return store.PullRequest{}, fmt.Errorf("list conflict temporaries: %w", err)
	}
	if len(temps) == 0 {
		return store.PullRequest{}, domain.ValidationField("resolutions", "no resolutions have been staged")
	}

	resolutions := make([]stagedResolution, 0, len(temps))
	for _, t := range temps {
		raw, err := s.blobs.Get(ctx, t.ObjectKey)
		if err != nil {
			return store.PullRequest{}, fmt.Errorf("load resolution for entity %d: %w", t.EntityID, err)
		}
		var r stagedResolution
		if err := json.Unmarshal(raw, &r); err != nil {
			return store.PullRequest{}, fmt.Errorf("decode resolution for entity %d: %w", t.EntityID, err)
		}
		resolutions = append(resolutions, r)
	}

	// a host failure here leaves the conflict staged
	if pr.PRNumber > 0 {
		if err := s.host.UpdateBranch(ctx, org, pr.PRNumber); err != nil {
			return store.PullRequest{}, fmt.Errorf("update host branch: %w", err)
		}
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		for _, r := range resolutions {
			if _, err := s.versions.CreateVersion(ctx, org, versions.CreateCommand{
				EntityID: r.EntityID,
				Kind:     r.Kind,
				BranchID: pr.UserBranchID,
				Rebase:   true,
				Fields:   r.Fields,
			}); err != nil {
				return err
			}
		}
		if err := s.store.ClearConflictTemporaries(ctx, org, pr.ID, s.now()); err != nil {
			return fmt.Errorf("clear conflict temporaries: %w", err)
		}
		err := s.store.TransitionPullRequestStatus(ctx, org, pr.ID, pr.Status, store.PROpened)
		if errors.Is(err, store.ErrNotFound) {
			current, loadErr := s.load(ctx, org, pr.ID)
			if loadErr != nil {
				return loadErr
			}
			return invalidStatus(current)
		}
		if err != nil {
			return fmt.Errorf("update pull request status: %w", err)
		}
		_, _, err = s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionConflictResolved)
		return err
	})
	if err != nil {
		return store.PullRequest{}, err
	}
	pr.Status = store.PROpened

	// the merge worker pushes these rows again before merging
	if err := s.pushBranch(ctx, org, pr, "Resolve conflicts"); err != nil {
		s.logger.Warn("push resolved branch", zap.Int64("pull_request_id", pr.ID), zap.Error(err))
	}

	for _, t := range temps {
		if err := s.blobs.Delete(ctx, t.ObjectKey); err != nil {
			s.logger.Warn("delete staged resolution", zap.String("key", t.ObjectKey), zap.Error(err))
		}
	}
	return pr, nil
}
