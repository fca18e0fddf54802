// Package branches tracks each user's working branch and the edit sessions
// that let reviewers change drafts under an open pull request.
package branches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"handbook/api/internal/domain"
	"handbook/api/internal/lock"
	"handbook/api/internal/store"
	"handbook/api/internal/util"
)

const (
	branchNameLength = 12
	sessionTokenSize = 16
	lockTTL          = 10 * time.Second
	nameAttempts     = 5
)

type Manager struct {
	store      store.Store
	locker     lock.Locker
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewManager(s store.Store, locker lock.Locker, sessionTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessionTTL <= 0 {
		sessionTTL = 2 * time.Hour
	}
	return &Manager{store: s, locker: locker, sessionTTL: sessionTTL, logger: logger, now: time.Now}
}

// ActiveBranch returns the user's active branch without creating one.
func (m *Manager) ActiveBranch(ctx context.Context, org store.OrgID, userID int64) (store.UserBranch, error) {
	b, err := m.store.GetActiveBranch(ctx, org, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.UserBranch{}, domain.NotFound("user %d has no active branch", userID)
		}
		return store.UserBranch{}, fmt.Errorf("load active branch: %w", err)
	}
	return b, nil
}

// EnsureActiveBranch returns the user's active branch, creating it on first
// use. Creation is serialized per user so two requests cannot both create one.
func (m *Manager) EnsureActiveBranch(ctx context.Context, org store.OrgID, userID int64) (store.UserBranch, error) {
	if b, err := m.store.GetActiveBranch(ctx, org, userID); err == nil {
		return b, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.UserBranch{}, fmt.Errorf("load active branch: %w", err)
	}

	release, err := m.locker.Acquire(ctx, fmt.Sprintf("branch:%d:%d", org, userID), lockTTL)
	if err != nil {
		return store.UserBranch{}, fmt.Errorf("lock branch creation: %w", err)
	}
	defer release()

	if b, err := m.store.GetActiveBranch(ctx, org, userID); err == nil {
		return b, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.UserBranch{}, fmt.Errorf("load active branch: %w", err)
	}

	for attempt := 0; attempt < nameAttempts; attempt++ {
		b, err := m.store.InsertBranch(ctx, org, store.UserBranch{
			UserID:     userID,
			BranchName: util.NewBranchName("branch", branchNameLength),
			IsActive:   true,
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return store.UserBranch{}, fmt.Errorf("insert branch: %w", err)
		}
		m.logger.Info("user branch created",
			zap.Int64("organization_id", int64(org)),
			zap.Int64("user_id", userID),
			zap.String("branch", b.BranchName))
		return b, nil
	}
	return store.UserBranch{}, fmt.Errorf("insert branch: no unique name after %d attempts", nameAttempts)
}

func (m *Manager) HasUncommittedChanges(ctx context.Context, org store.OrgID, userID int64) (bool, error) {
	b, err := m.store.GetActiveBranch(ctx, org, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load active branch: %w", err)
	}
	n, err := m.store.CountBranchDrafts(ctx, org, b.ID)
	if err != nil {
		return false, fmt.Errorf("count drafts: %w", err)
	}
	return n > 0, nil
}

// DeactivateBranch retires a branch after merge or discard. A branch that
// still backs an open pull request cannot be retired.
func (m *Manager) DeactivateBranch(ctx context.Context, org store.OrgID, branchID int64) error {
	if _, err := m.store.GetBranch(ctx, org, branchID, store.IncludeDeleted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("branch %d not found", branchID)
		}
		return fmt.Errorf("load branch: %w", err)
	}
	pr, err := m.store.GetOpenPullRequestForBranch(ctx, org, branchID)
	if err == nil {
		return domain.Conflict("BRANCH_HAS_OPEN_PULL_REQUEST", "branch %d has open pull request %d", branchID, pr.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load open pull request: %w", err)
	}
	if err := m.store.DeactivateBranch(ctx, org, branchID, m.now()); err != nil {
		return fmt.Errorf("deactivate branch: %w", err)
	}
	return nil
}

// StartEditSession issues a fresh token for (pull request, user). Any earlier
// active session for the pair is invalidated first.
func (m *Manager) StartEditSession(ctx context.Context, org store.OrgID, pullRequestID, userID int64) (store.EditSession, error) {
	release, err := m.locker.Acquire(ctx, fmt.Sprintf("edit-session:%d:%d:%d", org, pullRequestID, userID), lockTTL)
	if err != nil {
		return store.EditSession{}, fmt.Errorf("lock edit session: %w", err)
	}
	defer release()

	var session store.EditSession
	err = m.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := m.store.DeactivateEditSessions(ctx, org, pullRequestID, userID); err != nil {
			return fmt.Errorf("deactivate edit sessions: %w", err)
		}
		created, err := m.store.InsertEditSession(ctx, org, store.EditSession{
			PullRequestID: pullRequestID,
			UserID:        userID,
			Token:         util.NewToken(sessionTokenSize),
			IsActive:      true,
			ExpiresAt:     m.now().Add(m.sessionTTL),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Conflict("EDIT_SESSION_ACTIVE", "an edit session is already active for pull request %d", pullRequestID)
		}
		if err != nil {
			return fmt.Errorf("insert edit session: %w", err)
		}
		session = created
		return nil
	})
	return session, err
}

// ValidateSession returns the session id when the token is active, unexpired
// and owned by userID on the given pull request.
func (m *Manager) ValidateSession(ctx context.Context, org store.OrgID, pullRequestID int64, token string, userID int64) (int64, error) {
	if token == "" {
		return 0, domain.Unauthorized("edit session token is required")
	}
	session, err := m.store.GetEditSessionByToken(ctx, org, token)
	if errors.Is(err, store.ErrNotFound) {
		return 0, domain.Unauthorized("edit session is invalid")
	}
	if err != nil {
		return 0, fmt.Errorf("load edit session: %w", err)
	}
	if session.PullRequestID != pullRequestID || session.UserID != userID {
		return 0, domain.Unauthorized("edit session is invalid")
	}
	if !session.IsActive || !m.now().Before(session.ExpiresAt) {
		return 0, domain.Unauthorized("edit session has expired")
	}
	return session.ID, nil
}

// SessionByToken loads a session for read-only detail views.
func (m *Manager) SessionByToken(ctx context.Context, org store.OrgID, token string) (store.EditSession, error) {
	session, err := m.store.GetEditSessionByToken(ctx, org, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.EditSession{}, domain.NotFound("edit session not found")
	}
	if err != nil {
		return store.EditSession{}, fmt.Errorf("load edit session: %w", err)
	}
	return session, nil
}

func (m *Manager) FinishEditSession(ctx context.Context, org store.OrgID, token string, pullRequestID int64) error {
	session, err := m.SessionByToken(ctx, org, token)
	if err != nil {
		return err
	}
	if session.PullRequestID != pullRequestID {
		return domain.NotFound("edit session not found")
	}
	if !session.IsActive {
		return nil
	}
	if err := m.store.FinishEditSession(ctx, org, session.ID); err != nil {
		return fmt.Errorf("finish edit session: %w", err)
	}
	return nil
}

// ExpireSessions deactivates every session past its expiry.
func (m *Manager) ExpireSessions(ctx context.Context, org store.OrgID) (int, error) {
	n, err := m.store.ExpireEditSessions(ctx, org, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire edit sessions: %w", err)
	}
	return n, nil
}
