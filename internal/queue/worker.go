package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Handler func(ctx context.Context, task Task) error

type WorkerOptions struct {
	PollInterval time.Duration
	Concurrency  int
}

// Worker polls the queue and runs each claimed task on its handler. A handler
// error or panic parks the task on the dead-letter list; retrying is the
// handler's business, done by enqueueing a follow-up task.
type Worker struct {
	queue    Queue
	logger   *zap.Logger
	opts     WorkerOptions
	handlers map[string]Handler
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewWorker(q Queue, logger *zap.Logger, opts WorkerOptions) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Worker{
		queue:    q,
		logger:   logger.With(zap.String("system", "task_worker")),
		opts:     opts,
		handlers: map[string]Handler{},
		now:      time.Now,
	}
}

// Handle registers the handler for a task type. Call before Run.
func (w *Worker) Handle(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run polls until ctx is cancelled, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("task worker started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("poll_interval", w.opts.PollInterval))
	sem := make(chan struct{}, w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		free := cap(sem) - len(sem)
		if free > 0 {
			tasks, err := w.queue.Claim(ctx, w.now(), free)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("claim tasks", zap.Error(err))
			}
			for _, task := range tasks {
				sem <- struct{}{}
				w.wg.Add(1)
				go func(task Task) {
					defer w.wg.Done()
					defer func() { <-sem }()
					// a shutdown must not cut a merge in half
					w.process(context.WithoutCancel(ctx), task)
				}(task)
			}
		}

		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("task worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain runs every task that is due now, one at a time, and returns how many
// ran. Tasks enqueued with a delay are left for later.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	ran := 0
	for {
		tasks, err := w.queue.Claim(ctx, w.now(), w.opts.Concurrency)
		if err != nil {
			return ran, err
		}
		if len(tasks) == 0 {
			return ran, nil
		}
		for _, task := range tasks {
			w.process(ctx, task)
			ran++
		}
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("task_type", task.Type))
	start := time.Now()

	err := w.run(ctx, task)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, task); ackErr != nil {
			log.Error("ack task", zap.Error(ackErr))
		}
		log.Debug("task done", zap.Duration("duration", time.Since(start)))
		return
	}

	log.Error("task failed permanently", zap.Error(err), zap.ByteString("payload", task.Payload))
	if failErr := w.queue.Fail(ctx, task, err.Error()); failErr != nil {
		log.Error("dead-letter task", zap.Error(failErr))
	}
}

func (w *Worker) run(ctx context.Context, task Task) (err error) {
	handler, ok := w.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler for task type %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.String("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}
