// Package merge completes approved pull requests in the background: it waits
// for the git host to report the branch mergeable, merges it there and then
// promotes the branch's drafts into the merged baseline.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"handbook/api/internal/activity"
	"handbook/api/internal/branches"
	"handbook/api/internal/events"
	"handbook/api/internal/githost"
	"handbook/api/internal/queue"
	"handbook/api/internal/store"
	"handbook/api/internal/versions"
)

const TaskType = "pull_request.merge"

var errStale = errors.New("merge: pull request is no longer opened")

type Payload struct {
	OrganizationID int64 `json:"organization_id"`
	PullRequestID  int64 `json:"pull_request_id"`
	UserID         int64 `json:"user_id"`
	Retry          int   `json:"retry"`
}

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	// ConflictOnExhaustion moves the pull request to conflict once the
	// retry budget is spent instead of leaving it opened.
	ConflictOnExhaustion bool
}

// Indexer receives the versions a merge promoted.
type Indexer interface {
	IndexMerged(versions []store.Version) error
}

type Deps struct {
	Store     store.Store
	Versions  *versions.Service
	Branches  *branches.Manager
	Activity  *activity.Recorder
	Host      githost.Host
	Queue     queue.Queue
	Indexer   Indexer
	Publisher events.Publisher
	Logger    *zap.Logger
}

type Orchestrator struct {
	store     store.Store
	versions  *versions.Service
	branches  *branches.Manager
	activity  *activity.Recorder
	host      githost.Host
	queue     queue.Queue
	indexer   Indexer
	publisher events.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Orchestrator{
		store:     deps.Store,
		versions:  deps.Versions,
		branches:  deps.Branches,
		activity:  deps.Activity,
		host:      deps.Host,
		queue:     deps.Queue,
		indexer:   deps.Indexer,
		publisher: publisher,
		logger:    logger.With(zap.String("system", "merge")),
		opts:      opts,
		now:       time.Now,
	}
}

// Register binds the merge handler to a worker.
func (o *Orchestrator) Register(w *queue.Worker) {
	w.Handle(TaskType, o.Handle)
}

// Schedule enqueues the first merge attempt.
func (o *Orchestrator) Schedule(ctx context.Context, org store.OrgID, pullRequestID, userID int64) error {
	return o.enqueue(ctx, Payload{
		OrganizationID: int64(org),
		PullRequestID:  pullRequestID,
		UserID:         userID,
	}, 0)
}

func (o *Orchestrator) enqueue(ctx context.Context, p Payload, delay time.Duration) error {
	task, err := queue.NewTask(TaskType, p)
	if err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, task, delay); err != nil {
		return fmt.Errorf("enqueue merge task: %w", err)
	}
	return nil
}

// Handle runs one merge attempt. Returning an error parks the task on the
// dead-letter list.
func (o *Orchestrator) Handle(ctx context.Context, task queue.Task) error {
	var p Payload
	if err := task.Decode(&p); err != nil {
		return err
	}
	org := store.OrgID(p.OrganizationID)
	log := o.logger.With(
		zap.Int64("organization_id", p.OrganizationID),
		zap.Int64("pull_request_id", p.PullRequestID),
		zap.Int64("user_id", p.UserID),
		zap.Int("retry", p.Retry))

	pr, err := o.store.GetPullRequest(ctx, org, p.PullRequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("merge task for unknown pull request")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pull request: %w", err)
	}
	if pr.Status != store.PROpened {
		log.Info("merge task is stale", zap.String("status", string(pr.Status)))
		return nil
	}

	mergeable, err := o.host.Mergeable(ctx, org, pr.PRNumber)
	alreadyMerged := errors.Is(err, githost.ErrAlreadyMerged)
	if err != nil && !alreadyMerged {
		return fmt.Errorf("check mergeable: %w", err)
	}
	if !mergeable && !alreadyMerged {
		return o.notMergeable(ctx, log, p, pr)
	}

	branch, err := o.store.GetBranch(ctx, org, pr.UserBranchID, store.IncludeDeleted)
	if err != nil {
		return fmt.Errorf("load branch: %w", err)
	}
	rows, err := o.store.ListBranchVersions(ctx, org, pr.UserBranchID)
	if err != nil {
		return fmt.Errorf("list branch versions: %w", err)
	}
	if alreadyMerged {
		// an earlier delivery merged on the host but never finalized
		log.Info("pull request already merged on the host, finalizing")
	} else {
		files, err := githost.VersionFiles(rows)
		if err != nil {
			return err
		}
		if err := o.host.PushFiles(ctx, org, branch.BranchName, files, "Sync before merge"); err != nil {
			return fmt.Errorf("push branch files: %w", err)
		}
		if err := o.host.Merge(ctx, org, pr.PRNumber, pr.Title); err != nil {
			if errors.Is(err, githost.ErrNotMergeable) {
				return o.notMergeable(ctx, log, p, pr)
			}
			return fmt.Errorf("merge on host: %w", err)
		}
	}

	ids := make([]int64, 0, len(rows))
	for _, v := range rows {
		ids = append(ids, v.ID)
	}
	err = o.store.InTx(ctx, func(ctx context.Context) error {
		err := o.store.TransitionPullRequestStatus(ctx, org, pr.ID, store.PROpened, store.PRMerged)
		if errors.Is(err, store.ErrNotFound) {
			return errStale
		}
		if err != nil {
			return fmt.Errorf("update pull request status: %w", err)
		}
		if _, err := o.versions.PromoteToMerged(ctx, org, ids); err != nil {
			return err
		}
		if err := o.branches.DeactivateBranch(ctx, org, branch.ID); err != nil {
			return err
		}
		_, _, err = o.activity.Record(ctx, org, pr.ID, p.UserID, activity.ActionMerged)
		return err
	})
	if errors.Is(err, errStale) {
		log.Warn("pull request changed status during the merge, drafts not promoted")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("pull request merged", zap.Int("versions", len(ids)))

	o.afterMerge(ctx, log, org, pr, p.UserID, ids)
	return nil
}

func (o *Orchestrator) notMergeable(ctx context.Context, log *zap.Logger, p Payload, pr store.PullRequest) error {
	if p.Retry < o.opts.MaxRetries {
		next := p
		next.Retry++
		if err := o.enqueue(ctx, next, o.opts.RetryDelay); err != nil {
			return err
		}
		log.Info("pull request not mergeable yet, retry scheduled", zap.Duration("delay", o.opts.RetryDelay))
		return nil
	}

	log.Warn("merge retries exhausted", zap.Int("max_retries", o.opts.MaxRetries))
	if !o.opts.ConflictOnExhaustion {
		return nil
	}
	org := store.OrgID(p.OrganizationID)
	return o.store.InTx(ctx, func(ctx context.Context) error {
		err := o.store.TransitionPullRequestStatus(ctx, org, pr.ID, store.PROpened, store.PRConflict)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update pull request status: %w", err)
		}
		_, _, err = o.activity.Record(ctx, org, pr.ID, p.UserID, activity.ActionConflict)
		return err
	})
}

// afterMerge feeds search and downstream consumers. Failures are logged and
// never undo the merge.
func (o *Orchestrator) afterMerge(ctx context.Context, log *zap.Logger, org store.OrgID, pr store.PullRequest, userID int64, ids []int64) {
	merged := make([]store.Version, 0, len(ids))
	entityIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		v, err := o.store.GetVersion(ctx, org, id, store.IncludeDeleted)
		if err != nil {
			log.Warn("reload merged version", zap.Int64("version_id", id), zap.Error(err))
			continue
		}
		merged = append(merged, v)
		entityIDs = append(entityIDs, v.EntityID)
	}

	if o.indexer != nil {
		if err := o.indexer.IndexMerged(merged); err != nil {
			log.Warn("index merged documents", zap.Error(err))
		}
	}
	err := o.publisher.Publish(ctx, events.Event{
		Type:           events.TypePullRequestMerged,
		OrganizationID: int64(org),
		PullRequestID:  pr.ID,
		UserID:         userID,
		EntityIDs:      entityIDs,
		OccurredAt:     o.now().UTC(),
	})
	if err != nil {
		log.Warn("publish merge event", zap.Error(err))
	}
}
