package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript moves due members from the scheduled set to the processing set
// in one step so two workers never claim the same task.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return due
`)

var requeueScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #expired
`)

type RedisQueue struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
}

func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{client: client, prefix: "queue:" + name + ":", visibility: visibility}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + name
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	due := time.Now().Add(delay)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("tasks"), task.ID, body)
		pipe.ZAdd(ctx, q.key("scheduled"), redis.Z{Score: float64(due.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.key("scheduled"), q.key("processing")},
		score(now), limit, score(now.Add(q.visibility)),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := q.client.HMGet(ctx, q.key("tasks"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed tasks: %w", err)
	}
	tasks := make([]Task, 0, len(bodies))
	for i, body := range bodies {
		raw, ok := body.(string)
		if !ok {
			// body vanished; drop the orphaned claim
			q.client.ZRem(ctx, q.key("processing"), ids[i])
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("processing"), task.ID)
		pipe.HDel(ctx, q.key("tasks"), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, task Task, reason string) error {
	entry, err := json.Marshal(FailedTask{Task: task, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal failed task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("processing"), task.ID)
		pipe.HDel(ctx, q.key("tasks"), task.ID)
		pipe.LPush(ctx, q.key("failed"), entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("scheduled")}, score(now),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired tasks: %w", err)
	}
	return n, nil
}

// Failed returns the newest dead-letter entries first.
func (q *RedisQueue) Failed(ctx context.Context, limit int64) ([]FailedTask, error) {
	raw, err := q.client.LRange(ctx, q.key("failed"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	out := make([]FailedTask, 0, len(raw))
	for _, item := range raw {
		var entry FailedTask
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode failed task: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}
