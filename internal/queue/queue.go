// Package queue is the delayed task queue behind asynchronous work such as
// merge orchestration. Delivery is at least once; handlers must tolerate
// seeing a task twice.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func NewTask(taskType string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func (t Task) Decode(into any) error {
	if err := json.Unmarshal(t.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

type Queue interface {
	// Enqueue schedules the task to become claimable after delay.
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// Claim hands out up to limit due tasks. A claimed task that is neither
	// acked nor failed before the visibility timeout is delivered again.
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	// Fail parks the task on the dead-letter list. It is not retried.
	Fail(ctx context.Context, task Task, reason string) error
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
}

// FailedTask is a dead-letter entry.
type FailedTask struct {
	Task     Task      `json:"task"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
