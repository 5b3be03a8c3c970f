// Package queue implements the embedding Queue (C8): a priority + backlog +
// dead-letter FIFO of embedding jobs, backed by Redis lists exactly as the
// external interface (§6.2) specifies. Any broker with blocking right-push /
// left-pop and scan would do; we use github.com/redis/go-redis/v9, the
// client the rest of the pack (etalazz-vsa) reaches for against Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

// Redis key layout (§6.2).
const (
	KeyPriority = "q:embed:priority"
	KeyBacklog  = "q:embed:backlog"
	KeyFailed   = "q:embed:failed"
)

// ErrEmpty is returned by Dequeue when every queue is empty for the given
// wait budget.
var ErrEmpty = errors.New("queue: empty")

// Queue is the Redis-backed embedding job queue.
type Queue struct {
	rdb redis.Cmdable
}

// New wraps an existing redis client (or miniredis-backed client in tests).
func New(rdb redis.Cmdable) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes a job onto the priority queue when priority is true, else
// the backlog queue.
func (q *Queue) Enqueue(ctx context.Context, job logmodel.EmbedJob, priority bool) error {
	job.Priority = priority
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.JobID, err)
	}
	key := KeyBacklog
	if priority {
		key = KeyPriority
	}
	if err := q.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("queue: rpush %s: %w", key, err)
	}
	return nil
}

// Dequeue drains the priority queue first (non-blocking); if empty it
// blocks on the backlog queue up to timeout. Returns ErrEmpty if nothing
// arrived within the budget.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (logmodel.EmbedJob, error) {
	if val, err := q.rdb.LPop(ctx, KeyPriority).Result(); err == nil {
		return decodeJob(val)
	} else if !errors.Is(err, redis.Nil) {
		return logmodel.EmbedJob{}, fmt.Errorf("queue: lpop priority: %w", err)
	}

	res, err := q.rdb.BLPop(ctx, timeout, KeyBacklog).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return logmodel.EmbedJob{}, ErrEmpty
		}
		return logmodel.EmbedJob{}, fmt.Errorf("queue: blpop backlog: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return logmodel.EmbedJob{}, fmt.Errorf("queue: unexpected blpop reply %v", res)
	}
	return decodeJob(res[1])
}

// MarkFailed moves a job into the dead-letter queue, annotated with the
// error, failure time, and the queue it came from (§4.8, §6.2).
func (q *Queue) MarkFailed(ctx context.Context, job logmodel.EmbedJob, cause error, originalQueue string) error {
	failed := logmodel.FailedEmbedJob{
		EmbedJob:      job,
		Error:         cause.Error(),
		FailedAt:      time.Now().UTC(),
		OriginalQueue: originalQueue,
	}
	body, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("queue: marshal failed job %s: %w", job.JobID, err)
	}
	if err := q.rdb.RPush(ctx, KeyFailed, body).Err(); err != nil {
		return fmt.Errorf("queue: rpush failed: %w", err)
	}
	return nil
}

// RetryFailed moves up to count jobs from the dead-letter queue back into a
// processing queue, incrementing retry_count and clearing error metadata
// (§4.8).
func (q *Queue) RetryFailed(ctx context.Context, count int, toPriority bool) (int, error) {
	moved := 0
	for i := 0; i < count; i++ {
		val, err := q.rdb.LPop(ctx, KeyFailed).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, fmt.Errorf("queue: lpop failed: %w", err)
		}
		var failed logmodel.FailedEmbedJob
		if err := json.Unmarshal([]byte(val), &failed); err != nil {
			return moved, fmt.Errorf("queue: decode failed job: %w", err)
		}
		job := failed.EmbedJob
		job.RetryCount++
		if err := q.Enqueue(ctx, job, toPriority); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// PeekSnapshot is a non-destructive view of all three queues, capped at n
// entries per queue.
type PeekSnapshot struct {
	Priority []logmodel.EmbedJob
	Backlog  []logmodel.EmbedJob
	Failed   []logmodel.FailedEmbedJob
}

// PeekQueues returns up to n entries from each queue without removing them.
func (q *Queue) PeekQueues(ctx context.Context, n int) (PeekSnapshot, error) {
	var snap PeekSnapshot

	pri, err := q.rdb.LRange(ctx, KeyPriority, 0, int64(n)-1).Result()
	if err != nil {
		return snap, fmt.Errorf("queue: peek priority: %w", err)
	}
	for _, v := range pri {
		j, err := decodeJob(v)
		if err != nil {
			return snap, err
		}
		snap.Priority = append(snap.Priority, j)
	}

	back, err := q.rdb.LRange(ctx, KeyBacklog, 0, int64(n)-1).Result()
	if err != nil {
		return snap, fmt.Errorf("queue: peek backlog: %w", err)
	}
	for _, v := range back {
		j, err := decodeJob(v)
		if err != nil {
			return snap, err
		}
		snap.Backlog = append(snap.Backlog, j)
	}

	failed, err := q.rdb.LRange(ctx, KeyFailed, 0, int64(n)-1).Result()
	if err != nil {
		return snap, fmt.Errorf("queue: peek failed: %w", err)
	}
	for _, v := range failed {
		var f logmodel.FailedEmbedJob
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return snap, fmt.Errorf("queue: decode failed job: %w", err)
		}
		snap.Failed = append(snap.Failed, f)
	}

	return snap, nil
}

func decodeJob(raw string) (logmodel.EmbedJob, error) {
	var job logmodel.EmbedJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return logmodel.EmbedJob{}, fmt.Errorf("queue: decode job: %w", err)
	}
	return job, nil
}
