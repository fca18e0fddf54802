// Package pullrequest drives a branch's proposal through review: opening,
// approval, merge requests, fix requests, conflict resolution and close.
package pullrequest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"handbook/api/internal/activity"
	"handbook/api/internal/blob"
	"handbook/api/internal/branches"
	"handbook/api/internal/diff"
	"handbook/api/internal/domain"
	"handbook/api/internal/email"
	"handbook/api/internal/githost"
	"handbook/api/internal/rbac"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID int64
	Email  string
}

// MergeScheduler hands an approved pull request to the asynchronous merge.
type MergeScheduler interface {
	Schedule(ctx context.Context, org store.OrgID, pullRequestID, userID int64) error
}

// Mailer is satisfied by *email.Service.
type Mailer interface {
	IsConfigured() bool
	SendFixRequestEmail(to string, data email.FixRequestData) error
}

type Deps struct {
	Store      store.Store
	Versions   *versions.Service
	Branches   *branches.Manager
	Diffs      *diff.Engine
	Activity   *activity.Recorder
	Authorizer *rbac.Authorizer
	Host       githost.Host
	Merges     MergeScheduler
	Blobs      blob.Store
	Mailer     Mailer
	Logger     *zap.Logger
}

type Options struct {
	FixRequestTTL time.Duration
	// PublicURL prefixes links sent by email.
	PublicURL string
}

type Service struct {
	store     store.Store
	versions  *versions.Service
	branches  *branches.Manager
	diffs     *diff.Engine
	activity  *activity.Recorder
	authz     *rbac.Authorizer
	host      githost.Host
	merges    MergeScheduler
	blobs     blob.Store
	mailer    Mailer
	logger    *zap.Logger
	fixTTL    time.Duration
	publicURL string
	now       func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FixRequestTTL <= 0 {
		opts.FixRequestTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:     deps.Store,
		versions:  deps.Versions,
		branches:  deps.Branches,
		diffs:     deps.Diffs,
		activity:  deps.Activity,
		authz:     deps.Authorizer,
		host:      deps.Host,
		merges:    deps.Merges,
		blobs:     deps.Blobs,
		mailer:    deps.Mailer,
		logger:    logger,
		fixTTL:    opts.FixRequestTTL,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		now:       time.Now,
	}
}

type CreateCommand struct {
	UserBranchID int64
	Title        string
	Body         string
	ReviewerIDs  []int64
	// DiffEntityIDs is the diff the author reviewed before submitting. It is
	// optional; when set it must still match the live diff.
	DiffEntityIDs []int64
}

func (c CreateCommand) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.UserBranchID, validation.Required),
		validation.Field(&c.Title, validation.Required, validation.RuneLength(1, 255)),
		validation.Field(&c.ReviewerIDs, validation.Each(validation.Min(int64(1)))),
	)
}

// Create opens a pull request for the author's branch and pushes its drafts
// to the git host.
func (s *Service) Create(ctx context.Context, org store.OrgID, actor Actor, cmd CreateCommand) (store.PullRequest, error) {
	cmd.Title = strings.TrimSpace(cmd.Title)
	if err := domain.FromValidation(cmd.Validate()); err != nil {
		return store.PullRequest{}, err
	}

	branch, err := s.store.GetBranch(ctx, org, cmd.UserBranchID, store.Lookup{})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.PullRequest{}, domain.NotFound("branch %d not found", cmd.UserBranchID)
		}
		return store.PullRequest{}, fmt.Errorf("load branch: %w", err)
	}
	if branch.UserID != actor.UserID {
		return store.PullRequest{}, domain.Forbidden("branch belongs to another user")
	}
	if !branch.IsActive {
		return store.PullRequest{}, domain.Conflict("BRANCH_INACTIVE", "branch %d is no longer active", branch.ID)
	}
	if _, err := s.store.GetOpenPullRequestForBranch(ctx, org, branch.ID); err == nil {
		return store.PullRequest{}, domain.DuplicateExecution("branch %d already has an open pull request", branch.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.PullRequest{}, fmt.Errorf("load open pull request: %w", err)
	}

	hasChanges, err := s.branches.HasUncommittedChanges(ctx, org, actor.UserID)
	if err != nil {
		return store.PullRequest{}, err
	}
	items, err := s.diffs.ComputeBranchDiff(ctx, org, branch.ID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if !hasChanges || len(items) == 0 {
		return store.PullRequest{}, domain.ValidationField("user_branch_id", "branch has no changes to propose")
	}
	if len(cmd.DiffEntityIDs) > 0 && !sameEntities(items, cmd.DiffEntityIDs) {
		return store.PullRequest{}, domain.Conflict("STALE_DIFF", "the branch changed since the diff was reviewed")
	}

	files, err := s.filesFor(ctx, org, items)
	if err != nil {
		return store.PullRequest{}, err
	}
	if err := s.host.PushFiles(ctx, org, branch.BranchName, files, cmd.Title); err != nil {
		return store.PullRequest{}, fmt.Errorf("push branch files: %w", err)
	}
	number, err := s.host.OpenPullRequest(ctx, org, githost.PullRequestSpec{
		Branch: branch.BranchName,
		Title:  cmd.Title,
		Body:   cmd.Body,
	})
	if err != nil {
		return store.PullRequest{}, fmt.Errorf("open host pull request: %w", err)
	}

	var created store.PullRequest
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		pr, err := s.store.InsertPullRequest(ctx, org, store.PullRequest{
			UserBranchID: branch.ID,
			UserID:       actor.UserID,
			AuthorEmail:  actor.Email,
			Title:        cmd.Title,
			Body:         cmd.Body,
			Status:       store.PROpened,
			PRNumber:     number,
			Reviewers:    dedupe(cmd.ReviewerIDs),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return domain.DuplicateExecution("branch %d already has an open pull request", branch.ID)
		}
		if err != nil {
			return fmt.Errorf("insert pull request: %w", err)
		}
		if _, err := s.store.SetBranchVersionStatus(ctx, org, branch.ID, store.StatusDraft, store.StatusPendingReview); err != nil {
			return fmt.Errorf("mark drafts pending review: %w", err)
		}
		if _, _, err := s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionCreated); err != nil {
			return err
		}
		created = pr
		return nil
	})
	if err != nil {
		if closeErr := s.host.Close(ctx, org, number); closeErr != nil {
			s.logger.Warn("close orphaned host pull request", zap.Int("pr_number", number), zap.Error(closeErr))
		}
		return store.PullRequest{}, err
	}
	s.logger.Info("pull request created",
		zap.Int64("organization_id", int64(org)),
		zap.Int64("pull_request_id", created.ID),
		zap.Int64("user_id", actor.UserID),
		zap.Int("pr_number", number))
	return created, nil
}

func (s *Service) Approve(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor) (store.PullRequest, error) {
	if err := s.requireAdmin(ctx, org, actor); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if !pr.Status.IsOpen() {
		return store.PullRequest{}, invalidStatus(pr)
	}
	if _, _, err := s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionApproved); err != nil {
		return store.PullRequest{}, err
	}
	return pr, nil
}

// RequestMerge queues the merge; the pull request stays opened until the
// worker completes it.
func (s *Service) RequestMerge(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor) (store.PullRequest, error) {
	if err := s.requireAdmin(ctx, org, actor); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if pr.Status != store.PROpened {
		return store.PullRequest{}, invalidStatus(pr)
	}
	if err := s.merges.Schedule(ctx, org, pr.ID, actor.UserID); err != nil {
		return store.PullRequest{}, fmt.Errorf("schedule merge: %w", err)
	}
	if _, _, err := s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionMergeRequested); err != nil {
		return store.PullRequest{}, err
	}
	return pr, nil
}

// Close abandons the proposal. Drafts return to the branch so the author can
// keep editing or open a new pull request.
func (s *Service) Close(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor) (store.PullRequest, error) {
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if pr.UserID != actor.UserID {
		if err := s.requireAdmin(ctx, org, actor); err != nil {
			return store.PullRequest{}, err
		}
	}
	switch pr.Status {
	case store.PRClosed:
		return pr, nil
	case store.PRMerged:
		return store.PullRequest{}, invalidStatus(pr)
	}

	if pr.PRNumber > 0 {
		if err := s.host.Close(ctx, org, pr.PRNumber); err != nil && !errors.Is(err, githost.ErrNotFound) {
			return store.PullRequest{}, fmt.Errorf("close host pull request: %w", err)
		}
	}
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		err := s.store.TransitionPullRequestStatus(ctx, org, pr.ID, pr.Status, store.PRClosed)
		if errors.Is(err, store.ErrNotFound) {
			// merged or closed by someone else in the meantime
			current, loadErr := s.load(ctx, org, pr.ID)
			if loadErr != nil {
				return loadErr
			}
			return invalidStatus(current)
		}
		if err != nil {
			return fmt.Errorf("update pull request status: %w", err)
		}
		if _, err := s.store.SetBranchVersionStatus(ctx, org, pr.UserBranchID, store.StatusPendingReview, store.StatusDraft); err != nil {
			return fmt.Errorf("revert pending drafts: %w", err)
		}
		_, _, err = s.activity.Record(ctx, org, pr.ID, actor.UserID, activity.ActionClosed)
		return err
	})
	if err != nil {
		return store.PullRequest{}, err
	}
	pr.Status = store.PRClosed
	return pr, nil
}

type Detail struct {
	PullRequest store.PullRequest
	Diff        []diff.Item
	Activity    []store.ActivityLog
}

func (s *Service) Detail(ctx context.Context, org store.OrgID, pullRequestID int64) (Detail, error) {
	pr, err := s.load(ctx, org, pullRequestID)
	if err != nil {
		return Detail{}, err
	}
	items, err := s.diffs.ComputeBranchDiff(ctx, org, pr.UserBranchID)
	if err != nil {
		return Detail{}, err
	}
	entries, err := s.activity.List(ctx, org, pr.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{PullRequest: pr, Diff: items, Activity: entries}, nil
}

// RecordActivity appends a free-form review action such as a comment.
func (s *Service) RecordActivity(ctx context.Context, org store.OrgID, pullRequestID int64, actor Actor, action activity.Action) (store.ActivityLog, error) {
	if _, err := s.load(ctx, org, pullRequestID); err != nil {
		return store.ActivityLog{}, err
	}
	entry, _, err := s.activity.Record(ctx, org, pullRequestID, actor.UserID, action)
	return entry, err
}

func (s *Service) load(ctx context.Context, org store.OrgID, id int64) (store.PullRequest, error) {
	pr, err := s.store.GetPullRequest(ctx, org, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.PullRequest{}, domain.NotFound("pull request %d not found", id)
		}
		return store.PullRequest{}, fmt.Errorf("load pull request: %w", err)
	}
	return pr, nil
}

func (s *Service) requireAdmin(ctx context.Context, org store.OrgID, actor Actor) error {
	ok, err := s.authz.CanAdminister(ctx, org, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Forbidden("administrator role required")
	}
	return nil
}

// requireParticipant admits the author, a listed reviewer or an
// administrator.
func (s *Service) requireParticipant(ctx context.Context, org store.OrgID, pr store.PullRequest, actor Actor) error {
	if pr.UserID == actor.UserID {
		return nil
	}
	for _, id := range pr.Reviewers {
		if id == actor.UserID {
			return nil
		}
	}
	return s.requireAdmin(ctx, org, actor)
}

// filesFor renders the current branch row behind each diff item.
func (s *Service) filesFor(ctx context.Context, org store.OrgID, items []diff.Item) ([]githost.File, error) {
	vs := make([]store.Version, 0, len(items))
	for _, item := range items {
		v, err := s.store.GetVersion(ctx, org, item.ID, store.IncludeDeleted)
		if err != nil {
			return nil, fmt.Errorf("load version %d: %w", item.ID, err)
		}
		vs = append(vs, v)
	}
	return githost.VersionFiles(vs)
}

func (s *Service) pushBranch(ctx context.Context, org store.OrgID, pr store.PullRequest, message string) error {
	branch, err := s.store.GetBranch(ctx, org, pr.UserBranchID, store.IncludeDeleted)
	if err != nil {
		return fmt.Errorf("load branch: %w", err)
	}
	items, err := s.diffs.ComputeBranchDiff(ctx, org, pr.UserBranchID)
	if err != nil {
		return err
	}
	files, err := s.filesFor(ctx, org, items)
	if err != nil {
		return err
	}
	if err := s.host.PushFiles(ctx, org, branch.BranchName, files, message); err != nil {
		return fmt.Errorf("push branch files: %w", err)
	}
	return nil
}

func invalidStatus(pr store.PullRequest) error {
	return domain.Conflict("INVALID_PULL_REQUEST_STATUS", "pull request %d is %s", pr.ID, pr.Status)
}

func sameEntities(items []diff.Item, entityIDs []int64) bool {
	live := make([]int64, 0, len(items))
	for _, item := range items {
		live = append(live, item.EntityID)
	}
	want := dedupe(entityIDs)
	live = dedupe(live)
	if len(live) != len(want) {
		return false
	}
	for i := range live {
		if live[i] != want[i] {
			return false
		}
	}
	return true
}

// dedupe returns the sorted distinct ids.
func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
