package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type scheduled struct {
	task Task
	due  time.Time
}

// MemoryQueue is the single-process queue used in tests and when no Redis
// is configured.
type MemoryQueue struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	scheduled  map[string]scheduled
	processing map[string]scheduled
	failed     []FailedTask
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		now:        time.Now,
		visibility: visibility,
		scheduled:  map[string]scheduled{},
		processing: map[string]scheduled{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[task.ID] = scheduled{task: task, due: q.now().Add(delay)}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []scheduled
	for _, item := range q.scheduled {
		if !item.due.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	if len(due) > limit {
		due = due[:limit]
	}
	tasks := make([]Task, 0, len(due))
	for _, item := range due {
		delete(q.scheduled, item.task.ID)
		q.processing[item.task.ID] = scheduled{task: item.task, due: now.Add(q.visibility)}
		tasks = append(tasks, item.task)
	}
	return tasks, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, task.ID)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, task Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, task.ID)
	q.failed = append(q.failed, FailedTask{Task: task, Reason: reason, FailedAt: q.now()})
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, item := range q.processing {
		if !item.due.After(now) {
			delete(q.processing, id)
			q.scheduled[id] = scheduled{task: item.task, due: now}
			n++
		}
	}
	return n, nil
}

// Pending returns scheduled tasks ordered by due time.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]scheduled, 0, len(q.scheduled))
	for _, item := range q.scheduled {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].due.Before(items[j].due) })
	out := make([]Task, len(items))
	for i, item := range items {
		out[i] = item.task
	}
	return out
}

// DueAt reports when a scheduled task becomes claimable.
func (q *MemoryQueue) DueAt(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.scheduled[id]
	return item.due, ok
}

func (q *MemoryQueue) Failed() []FailedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedTask(nil), q.failed...)
}
