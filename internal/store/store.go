package store

import (
	"context"
	"errors"
	"time"
)

var ErrDuplicate = errors.New("store: duplicate")

// Store is the persistence contract shared by PostgresStore and MemoryStore.
// Every tenant method takes the organization explicitly.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error

	ListOrganizationIDs(ctx context.Context) ([]OrgID, error)
	MemberRole(ctx context.Context, org OrgID, userID int64) (string, error)

	CreateEntity(ctx context.Context, org OrgID, kind EntityKind) (Entity, error)
	GetEntity(ctx context.Context, org OrgID, id int64) (Entity, error)
	InsertVersion(ctx context.Context, org OrgID, v Version) (Version, error)
	GetVersion(ctx context.Context, org OrgID, id int64, lookup Lookup) (Version, error)
	CurrentBranchVersion(ctx context.Context, org OrgID, entityID, branchID int64) (Version, error)
	CurrentMergedVersion(ctx context.Context, org OrgID, entityID int64, lookup Lookup) (Version, error)
	ListBranchVersions(ctx context.Context, org OrgID, branchID int64) ([]Version, error)
	ListMergedVersions(ctx context.Context, org OrgID, kind EntityKind) ([]Version, error)
	CountBranchDrafts(ctx context.Context, org OrgID, branchID int64) (int, error)
	SoftDeleteVersion(ctx context.Context, org OrgID, id int64, at time.Time) error
	PromoteVersions(ctx context.Context, org OrgID, ids []int64, at time.Time) (int, error)
	SetBranchVersionStatus(ctx context.Context, org OrgID, branchID int64, from, to VersionStatus) (int, error)

	GetActiveBranch(ctx context.Context, org OrgID, userID int64) (UserBranch, error)
	GetBranch(ctx context.Context, org OrgID, id int64, lookup Lookup) (UserBranch, error)
	InsertBranch(ctx context.Context, org OrgID, b UserBranch) (UserBranch, error)
	DeactivateBranch(ctx context.Context, org OrgID, id int64, at time.Time) error

	InsertEditSession(ctx context.Context, org OrgID, s EditSession) (EditSession, error)
	DeactivateEditSessions(ctx context.Context, org OrgID, pullRequestID, userID int64) (int, error)
	GetEditSessionByToken(ctx context.Context, org OrgID, token string) (EditSession, error)
	FinishEditSession(ctx context.Context, org OrgID, id int64) error
	ExpireEditSessions(ctx context.Context, org OrgID, now time.Time) (int, error)

	InsertPullRequest(ctx context.Context, org OrgID, pr PullRequest) (PullRequest, error)
	GetPullRequest(ctx context.Context, org OrgID, id int64) (PullRequest, error)
	GetOpenPullRequestForBranch(ctx context.Context, org OrgID, branchID int64) (PullRequest, error)
	UpdatePullRequestStatus(ctx context.Context, org OrgID, id int64, status PullRequestStatus) error
	// TransitionPullRequestStatus moves a pull request from one status to
	// another and returns ErrNotFound when it is no longer in from.
	TransitionPullRequestStatus(ctx context.Context, org OrgID, id int64, from, to PullRequestStatus) error

	InsertActivity(ctx context.Context, org OrgID, entry ActivityLog) (ActivityLog, error)
	LastActivity(ctx context.Context, org OrgID, pullRequestID int64) (ActivityLog, error)
	ListActivity(ctx context.Context, org OrgID, pullRequestID int64) ([]ActivityLog, error)

	InsertFixRequest(ctx context.Context, org OrgID, f FixRequest) (FixRequest, error)
	GetFixRequestByToken(ctx context.Context, org OrgID, token string) (FixRequest, error)
	MarkFixRequestApplied(ctx context.Context, org OrgID, id int64, at time.Time) error

	UpsertConflictTemporary(ctx context.Context, org OrgID, t ConflictTemporary) (ConflictTemporary, error)
	ListConflictTemporaries(ctx context.Context, org OrgID, pullRequestID int64) ([]ConflictTemporary, error)
	ClearConflictTemporaries(ctx context.Context, org OrgID, pullRequestID int64, at time.Time) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
