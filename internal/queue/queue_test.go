package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type payload struct {
	PullRequestID int64 `json:"pull_request_id"`
	Retry         int   `json:"retry"`
}

func setupRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test", time.Minute), s
}

func TestNewTaskRoundTripsPayload(t *testing.T) {
	task, err := NewTask("pull_request.merge", payload{PullRequestID: 4, Retry: 2})
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if task.ID == "" || task.EnqueuedAt.IsZero() {
		t.Fatalf("task missing id or timestamp: %+v", task)
	}
	var got payload
	if err := task.Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.PullRequestID != 4 || got.Retry != 2 {
		t.Fatalf("Decode() = %+v", got)
	}
}

func TestRedisQueueDelaysDelivery(t *testing.T) {
	q, _ := setupRedisQueue(t)
	ctx := context.Background()
	task, _ := NewTask("t", payload{PullRequestID: 1})

	if err := q.Enqueue(ctx, task, time.Minute); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if got, _ := q.Claim(ctx, time.Now(), 10); len(got) != 0 {
		t.Fatalf("delayed task claimed early: %+v", got)
	}
	got, err := q.Claim(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != task.ID {
		t.Fatalf("Claim() = %+v", got)
	}
	if again, _ := q.Claim(ctx, time.Now().Add(2*time.Minute), 10); len(again) != 0 {
		t.Fatal("claimed task delivered twice")
	}
	if err := q.Ack(ctx, got[0]); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestRedisQueueRequeuesExpiredClaims(t *testing.T) {
	q, s := setupRedisQueue(t)
	ctx := context.Background()
	task, _ := NewTask("t", payload{})
	q.Enqueue(ctx, task, 0)

	now := time.Now()
	if got, _ := q.Claim(ctx, now, 1); len(got) != 1 {
		t.Fatalf("expected one claim, got %d", len(got))
	}
	if n, _ := q.RequeueExpired(ctx, now.Add(30*time.Second)); n != 0 {
		t.Fatalf("requeued before visibility timeout: %d", n)
	}
	n, err := q.RequeueExpired(ctx, now.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueExpired() = %d, %v", n, err)
	}
	got, _ := q.Claim(ctx, now.Add(2*time.Minute), 1)
	if len(got) != 1 || got[0].ID != task.ID {
		t.Fatalf("expected redelivery, got %+v", got)
	}
	if members, _ := s.ZMembers("queue:test:processing"); len(members) != 1 {
		t.Fatalf("expected task back in processing, got %v", members)
	}
}

func TestRedisQueueFailParksTask(t *testing.T) {
	q, _ := setupRedisQueue(t)
	ctx := context.Background()
	task, _ := NewTask("t", payload{})
	q.Enqueue(ctx, task, 0)
	claimed, _ := q.Claim(ctx, time.Now(), 1)

	if err := q.Fail(ctx, claimed[0], "boom"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	failed, err := q.Failed(ctx, 10)
	if err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Reason != "boom" || failed[0].Task.ID != task.ID {
		t.Fatalf("Failed() = %+v", failed)
	}
	if n, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour)); n != 0 {
		t.Fatal("failed task must not be redelivered")
	}
}

func TestWorkerAcksAndDeadLetters(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()
	w := NewWorker(q, nil, WorkerOptions{Concurrency: 2})

	var ok int32
	w.Handle("ok", func(ctx context.Context, task Task) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	w.Handle("bad", func(ctx context.Context, task Task) error { return errors.New("broken") })
	w.Handle("panic", func(ctx context.Context, task Task) error { panic("kaboom") })

	for _, typ := range []string{"ok", "bad", "panic", "unknown", "ok"} {
		task, _ := NewTask(typ, payload{})
		q.Enqueue(ctx, task, 0)
	}
	later, _ := NewTask("ok", payload{})
	q.Enqueue(ctx, later, time.Hour)

	ran, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if ran != 5 || ok != 2 {
		t.Fatalf("Drain() ran %d tasks, %d ok", ran, ok)
	}
	if failed := q.Failed(); len(failed) != 3 {
		t.Fatalf("expected 3 dead-lettered tasks, got %+v", failed)
	}
	if pending := q.Pending(); len(pending) != 1 || pending[0].ID != later.ID {
		t.Fatalf("delayed task should stay scheduled, got %+v", pending)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	w := NewWorker(q, nil, WorkerOptions{PollInterval: 5 * time.Millisecond, Concurrency: 1})
	done := make(chan struct{})
	w.Handle("ok", func(ctx context.Context, task Task) error {
		close(done)
		return nil
	})
	task, _ := NewTask("ok", payload{})
	q.Enqueue(context.Background(), task, 0)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
