// Package activity appends to the per-pull-request audit trail.
package activity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

type Action string

const (
	ActionCreated          Action = "created"
	ActionApproved         Action = "approved"
	ActionMergeRequested   Action = "merge_requested"
	ActionMerged           Action = "merged"
	ActionClosed           Action = "closed"
	ActionConflict         Action = "conflict"
	ActionConflictResolved Action = "conflict_resolved"
	ActionFixRequested     Action = "fix_requested"
	ActionFixApplied       Action = "fix_applied"
	ActionCommented        Action = "commented"
	ActionReviewed         Action = "reviewed"
)

var known = map[Action]bool{
	ActionCreated: true, ActionApproved: true, ActionMergeRequested: true, ActionMerged: true,
	ActionClosed: true, ActionConflict: true, ActionConflictResolved: true, ActionFixRequested: true,
	ActionFixApplied: true, ActionCommented: true, ActionReviewed: true,
}

func ParseAction(value string) (Action, error) {
	action := Action(value)
	if !known[action] {
		return "", domain.ValidationField("action", fmt.Sprintf("unknown action %q", value))
	}
	return action, nil
}

type Recorder struct {
	store  store.Store
	logger *zap.Logger
}

func NewRecorder(s store.Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger}
}

// Record appends an entry unless the pull request's latest entry already
// has the same action and actor. It reports whether a row was written.
func (r *Recorder) Record(ctx context.Context, org store.OrgID, pullRequestID, userID int64, action Action) (store.ActivityLog, bool, error) {
	if !known[action] {
		return store.ActivityLog{}, false, domain.ValidationField("action", fmt.Sprintf("unknown action %q", action))
	}
	last, err := r.store.LastActivity(ctx, org, pullRequestID)
	switch {
	case err == nil && last.Action == string(action) && last.UserID == userID:
		return last, false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.ActivityLog{}, false, fmt.Errorf("load last activity: %w", err)
	}

	entry, err := r.store.InsertActivity(ctx, org, store.ActivityLog{
		PullRequestID: pullRequestID,
		UserID:        userID,
		Action:        string(action),
	})
	if err != nil {
		return store.ActivityLog{}, false, fmt.Errorf("insert activity: %w", err)
	}
	r.logger.Debug("activity recorded",
		zap.Int64("organization_id", int64(org)),
		zap.Int64("pull_request_id", pullRequestID),
		zap.Int64("user_id", userID),
		zap.String("action", string(action)))
	return entry, true, nil
}

func (r *Recorder) List(ctx context.Context, org store.OrgID, pullRequestID int64) ([]store.ActivityLog, error) {
	entries, err := r.store.ListActivity(ctx, org, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return entries, nil
}
