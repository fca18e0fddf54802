// Package jobs runs the periodic housekeeping: expiring edit sessions and
// returning stalled queue claims.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"handbook/api/internal/store"
)

// SessionExpirer is satisfied by *branches.Manager.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context, org store.OrgID) (int, error)
}

// Requeuer is satisfied by every queue backend.
type Requeuer interface {
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
}

// OrganizationLister is satisfied by store.Store.
type OrganizationLister interface {
	ListOrganizationIDs(ctx context.Context) ([]store.OrgID, error)
}

// Job is one named unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
	jobs    []Job
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("system", "cron"))
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{logger.Sugar()}),
		)),
		logger:  logger,
		timeout: time.Minute,
	}
}

// Add registers job on a standard cron spec or an "@every" descriptor.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddJob(spec, s.wrap(job)); err != nil {
		return fmt.Errorf("schedule %s on %q: %w", job.Name(), spec, err)
	}
	s.jobs = append(s.jobs, job)
	s.logger.Info("job registered", zap.String("job_name", job.Name()), zap.String("schedule", spec))
	return nil
}

// wrap logs every execution under its own id and keeps a panicking job from
// taking the process down.
func (s *Scheduler) wrap(job Job) cron.Job {
	return cron.FuncJob(func() {
		log := s.logger.With(
			zap.String("job_name", job.Name()),
			zap.String("execution_id", uuid.NewString()))
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			log.Error("job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
			return
		}
		log.Debug("job finished", zap.Duration("duration", time.Since(start)))
	})
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop waits for running jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("cron scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("cron scheduler stop timed out")
	}
}

// cronLogger adapts zap to the logger cron's wrappers expect.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// ExpireSessions deactivates lapsed edit sessions in every organization.
type ExpireSessions struct {
	Orgs     OrganizationLister
	Sessions SessionExpirer
	Logger   *zap.Logger
}

func (ExpireSessions) Name() string { return "expire_edit_sessions" }

func (j ExpireSessions) Run(ctx context.Context) error {
	orgs, err := j.Orgs.ListOrganizationIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	total := 0
	var firstErr error
	for _, org := range orgs {
		n, err := j.Sessions.ExpireSessions(ctx, org)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("organization %d: %w", org, err)
			}
			continue
		}
		total += n
	}
	if total > 0 && j.Logger != nil {
		j.Logger.Info("edit sessions expired", zap.Int("count", total))
	}
	return firstErr
}

// RequeueStalled returns claims whose visibility deadline passed, so a task
// held by a crashed worker runs again.
type RequeueStalled struct {
	Queue  Requeuer
	Logger *zap.Logger
	Now    func() time.Time
}

func (RequeueStalled) Name() string { return "requeue_stalled_tasks" }

func (j RequeueStalled) Run(ctx context.Context) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Queue.RequeueExpired(ctx, now())
	if err != nil {
		return fmt.Errorf("requeue expired tasks: %w", err)
	}
	if n > 0 && j.Logger != nil {
		j.Logger.Warn("stalled tasks requeued", zap.Int("count", n))
	}
	return nil
}
