package embed

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/checkpoint"
	"github.com/lumenlog/logpipe/pkg/fn"
	"github.com/lumenlog/logpipe/pkg/queue"
)

// RowFetcher reads canonical rows the worker embeds. *warehouse.Warehouse
// satisfies this via FetchCanonical.
type RowFetcher interface {
	FetchCanonical(ctx context.Context, streamID string, offset, limit int64) ([]logmodel.CanonicalLog, error)
}

// Embedder turns text into a vector, returning a zero vector on failure.
// *embedclient.Client satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string, fallbackDim int) []float32
	Dimension() int
}

// VectorWriter upserts a page of embedding points. *vectorindex.Writer
// satisfies this.
type VectorWriter interface {
	Upsert(ctx context.Context, points []logmodel.EmbeddingPoint) error
}

// JobQueue is the subset of *queue.Queue the worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (logmodel.EmbedJob, error)
	Enqueue(ctx context.Context, job logmodel.EmbedJob, priority bool) error
	MarkFailed(ctx context.Context, job logmodel.EmbedJob, cause error, originalQueue string) error
}

// CheckpointStore is the subset of *checkpoint.Registry the worker drives.
type CheckpointStore interface {
	Advance(ctx context.Context, table string, newOffset, delta int64) (checkpoint.Checkpoint, error)
	Global(ctx context.Context, tables []string) (checkpoint.GlobalCheckpoint, error)
	GetBatchSizes(ctx context.Context) (checkpoint.BatchSizes, error)
}

// DequeueTimeout is how long Dequeue blocks on the backlog queue per tick
// (§4.12: "dequeue() with 1 s timeout").
const DequeueTimeout = 1 * time.Second

// DefaultPollInterval is how long the worker sleeps when a tick finds no
// job (§4.12).
const DefaultPollInterval = 1 * time.Second

// Worker is the Embedding Worker (C12): a single-threaded cooperative loop
// over the Queue (C8), the Checkpoint/Metrics Registry (C9), the Embedder
// Client (C10), and the Vector Index Writer (C11).
type Worker struct {
	Rows       RowFetcher
	Embedder   Embedder
	Writer     VectorWriter
	Queue      JobQueue
	Checkpoint CheckpointStore

	ModelName         string
	FallbackDimension int
	PollInterval      time.Duration
	Logger            *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	tables  map[string]struct{}
}

// New constructs a Worker over its five dependencies.
func New(rows RowFetcher, embedder Embedder, writer VectorWriter, q JobQueue, cp CheckpointStore) *Worker {
	w := &Worker{
		Rows:         rows,
		Embedder:     embedder,
		Writer:       writer,
		Queue:        q,
		Checkpoint:   cp,
		PollInterval: DefaultPollInterval,
		Logger:       slog.Default(),
		tables:       make(map[string]struct{}),
	}
	w.running.Store(true)
	return w
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Stop flips the running flag; the loop exits after finishing whatever job
// is currently in flight (§4.12, §5 cancellation).
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Run is the cooperative dequeue/embed/upsert loop. It returns when Stop is
// called or ctx is cancelled, always after the in-flight job finishes.
func (w *Worker) Run(ctx context.Context) error {
	for w.running.Load() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.Queue.Dequeue(ctx, DequeueTimeout)
		if err != nil {
			if err == queue.ErrEmpty {
				w.sleep(ctx)
				continue
			}
			w.logger().Error("dequeue failed", "error", err)
			w.sleep(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

// processJob executes one EmbedJob end to end (§4.12 steps 1-6). It never
// returns an error to the caller: failures are retried, dead-lettered, or
// logged, matching the Worker's "never crashes on a bad job" contract (§7).
func (w *Worker) processJob(ctx context.Context, job logmodel.EmbedJob) {
	w.trackTable(job.Table)

	rows, err := w.Rows.FetchCanonical(ctx, job.Table, job.Offset, int64(job.BatchSize))
	if err != nil {
		w.fail(ctx, job, fmt.Errorf("fetch rows: %w", err))
		return
	}
	if len(rows) == 0 {
		return
	}

	sizes, err := w.Checkpoint.GetBatchSizes(ctx)
	if err != nil {
		w.fail(ctx, job, fmt.Errorf("get batch sizes: %w", err))
		return
	}

	points := w.embedRows(ctx, job, rows, sizes.Embed)
	if err := w.upsertPoints(ctx, points, sizes.Upsert); err != nil {
		w.fail(ctx, job, fmt.Errorf("upsert: %w", err))
		return
	}

	newOffset := job.Offset + int64(len(rows))
	if _, err := w.Checkpoint.Advance(ctx, job.Table, newOffset, int64(len(rows))); err != nil {
		w.logger().Error("checkpoint advance failed", "table", job.Table, "error", err)
	}
	if _, err := w.Checkpoint.Global(ctx, w.knownTables()); err != nil {
		w.logger().Error("global checkpoint failed", "error", err)
	}

	if int64(len(rows)) >= int64(job.BatchSize) {
		next := job
		next.Offset = newOffset
		next.RetryCount = 0
		if err := w.Queue.Enqueue(ctx, next, job.Priority); err != nil {
			w.logger().Error("enqueue next page failed", "table", job.Table, "error", err)
		}
	}
}

// embedRows builds and embeds every chunk of every row, in sub-batches of
// embedBatchSize, yielding to the scheduler between sub-batches so signal
// handling stays prompt (§4.12 step 3, §5).
func (w *Worker) embedRows(ctx context.Context, job logmodel.EmbedJob, rows []logmodel.CanonicalLog, embedBatchSize int) []logmodel.EmbeddingPoint {
	if embedBatchSize <= 0 {
		embedBatchSize = checkpoint.EmbedBatchDefault
	}

	type unit struct {
		log   logmodel.CanonicalLog
		chunk string
		idx   int
		count int
	}
	var units []unit
	for _, l := range rows {
		chunks := ChunkText(BuildFullTraceText(l))
		for i, c := range chunks {
			units = append(units, unit{log: l, chunk: c, idx: i, count: len(chunks)})
		}
	}

	var points []logmodel.EmbeddingPoint
	now := time.Now().UTC()
	for _, sub := range fn.Chunk(units, embedBatchSize) {
		for _, u := range sub {
			vec := w.Embedder.Embed(ctx, u.chunk, w.FallbackDimension)
			points = append(points, logmodel.EmbeddingPoint{
				PointID:     PointIDFor(u.log.LogID, u.idx),
				LogID:       u.log.LogID,
				ChunkIndex:  u.idx,
				ChunkCount:  u.count,
				Text:        u.chunk,
				Vector:      vec,
				Dimension:   w.Embedder.Dimension(),
				StreamID:    u.log.StreamID,
				Severity:    u.log.Severity,
				LogType:     u.log.LogType,
				ServiceName: u.log.ServiceName,
				EventTime:   u.log.EventTimestamp,
				LogDate:     u.log.LogDate(),
				EmbeddedAt:  now,
				ModelName:   w.ModelName,
			})
		}
		runtime.Gosched()
	}
	return points
}

// upsertPoints writes points in sub-batches of upsertBatchSize, skipping
// zero vectors at the Writer layer (§4.12 step 4).
func (w *Worker) upsertPoints(ctx context.Context, points []logmodel.EmbeddingPoint, upsertBatchSize int) error {
	if upsertBatchSize <= 0 {
		upsertBatchSize = checkpoint.UpsertBatchDefault
	}
	for _, sub := range fn.Chunk(points, upsertBatchSize) {
		if err := w.Writer.Upsert(ctx, sub); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// fail bumps retry_count and either re-enqueues or dead-letters the job
// (§4.12 step 6).
func (w *Worker) fail(ctx context.Context, job logmodel.EmbedJob, cause error) {
	job.RetryCount++
	w.logger().Error("embed job failed", "table", job.Table, "offset", job.Offset, "retry_count", job.RetryCount, "error", cause)

	if job.RetryCount < logmodel.MaxEmbedRetries {
		if err := w.Queue.Enqueue(ctx, job, job.Priority); err != nil {
			w.logger().Error("re-enqueue failed", "table", job.Table, "error", err)
		}
		return
	}
	if err := w.Queue.MarkFailed(ctx, job, cause, originalQueueOf(job)); err != nil {
		w.logger().Error("mark failed failed", "table", job.Table, "error", err)
	}
}

func originalQueueOf(job logmodel.EmbedJob) string {
	if job.Priority {
		return queue.KeyPriority
	}
	return queue.KeyBacklog
}

func (w *Worker) trackTable(table string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[table] = struct{}{}
}

func (w *Worker) knownTables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tables))
	for t := range w.tables {
		out = append(out, t)
	}
	return out
}
