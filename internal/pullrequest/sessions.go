package pullrequest

import (
	"context"
	"errors"
	"strings"

	"handbook/api/internal/diff"
	"handbook/api/internal/domain"
	"handbook/api/internal/store"
)

// OpenEditSession lets a participant edit the drafts of an open pull request.
func (s *Service) OpenEditSession(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor) (store.EditSession, error) {
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.EditSession{}, err
	}
	if !pr.Status.IsOpen() {
		return store.EditSession{}, invalidStatus(pr)
	}
	if err := s.requireParticipant(ctx, org, pr, actor); err != nil {
		return store.EditSession{}, err
	}
	return s.branches.StartEditSession(ctx, org, pr.ID, actor.UserID)
}

func (s *Service) FinishEditSession(ctx context.Context, org store.OrgID, token string, pullRequestID int64) error {
	return s.branches.FinishEditSession(ctx, org, token, pullRequestID)
}

type EditSessionDetail struct {
	SessionID   int64
	PullRequest store.PullRequest
	Diff        []diff.Item
}

func (s *Service) EditSessionDetail(ctx context.Context, org store.OrgID, token string, pullRequestID int64, actor Actor) (EditSessionDetail, error) {
	sessionID, err := s.branches.ValidateSession(ctx, org, pullRequestID, token, actor.UserID)
	if err != nil {
		return EditSessionDetail{}, err
	}
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return EditSessionDetail{}, err
	}
	items, err := s.diffs.ComputeBranchDiff(ctx, org, pr.UserBranchID)
	if err != nil {
		return EditSessionDetail{}, err
	}
	return EditSessionDetail{SessionID: sessionID, PullRequest: pr, Diff: items}, nil
}

// EditTarget is where an edit lands: the caller's own branch, or the branch
// of the pull request an edit session was opened on.
type EditTarget struct {
	BranchID      int64
	EditSessionID *int64
}

// ResolveEditTarget picks the branch an edit is written to. Without a
// session token the caller's active branch is used, created on first edit.
func (s *Service) ResolveEditTarget(ctx context.Context, org store.OrgID, actor Actor, sessionToken string, pullRequestID int64) (EditTarget, error) {
	if strings.TrimSpace(sessionToken) == "" {
		branch, err := s.branches.EnsureActiveBranch(ctx, org, actor.UserID)
		if err != nil {
			return EditTarget{}, err
		}
		return EditTarget{BranchID: branch.ID}, nil
	}
	if pullRequestID <= 0 {
		return EditTarget{}, domain.ValidationField("pull_request_id", "is required with an edit session token")
	}
	sessionID, err := s.branches.ValidateSession(ctx, org, pullRequestID, sessionToken, actor.UserID)
	if err != nil {
		return EditTarget{}, err
	}
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return EditTarget{}, err
	}
	if !pr.Status.IsOpen() {
		return EditTarget{}, invalidStatus(pr)
	}
	return EditTarget{BranchID: pr.UserBranchID, EditSessionID: &sessionID}, nil
}

// ReadTarget is the branch context for reads: the caller's active branch if
// any, without creating one.
func (s *Service) ReadTarget(ctx context.Context, org store.OrgID, actor Actor) (*int64, error) {
	branch, err := s.branches.ActiveBranch(ctx, org, actor.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &branch.ID, nil
}
