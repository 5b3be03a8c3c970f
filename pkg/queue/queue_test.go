package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestEnqueueDequeue_PriorityFirst(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	backlogJob := logmodel.EmbedJob{JobID: "b1", Table: "x.y", BatchSize: 10}
	priJob := logmodel.EmbedJob{JobID: "p1", Table: "x.y", BatchSize: 10}

	if err := q.Enqueue(ctx, backlogJob, false); err != nil {
		t.Fatalf("enqueue backlog: %v", err)
	}
	if err := q.Enqueue(ctx, priJob, true); err != nil {
		t.Fatalf("enqueue priority: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.JobID != "p1" || !got.Priority {
		t.Fatalf("expected priority job first, got %+v", got)
	}

	got, err = q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.JobID != "b1" {
		t.Fatalf("expected backlog job, got %+v", got)
	}
}

func TestDequeue_EmptyTimesOut(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := logmodel.EmbedJob{JobID: "j1", Table: "x.y", Offset: 100, BatchSize: 20}
	if err := q.MarkFailed(ctx, job, errors.New("boom"), KeyBacklog); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	moved, err := q.RetryFailed(ctx, 1, true)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved, got %d", moved)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.JobID != "j1" || got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %+v", got)
	}
}

func TestRetryFailed_StopsWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	moved, err := q.RetryFailed(context.Background(), 5, false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected 0 moved, got %d", moved)
	}
}

func TestPeekQueues_NonDestructive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := logmodel.EmbedJob{JobID: "p1", Table: "x.y", BatchSize: 5}
	if err := q.Enqueue(ctx, job, true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap, err := q.PeekQueues(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(snap.Priority) != 1 || snap.Priority[0].JobID != "p1" {
		t.Fatalf("expected peeked priority job, got %+v", snap.Priority)
	}

	// Peeking must not remove the job.
	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue after peek: %v", err)
	}
	if got.JobID != "p1" {
		t.Fatalf("expected job still present, got %+v", got)
	}
}
