// Package load implements the Loader (C5): batch-inserts canonical records
// into the master table with dedup by insert_id (falling back to log_id),
// opens and updates the per-run job bookkeeping row, and tolerates partial
// batch failures without aborting the stream (§4.5).
package load

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/warehouse"
)

// Loader writes canonical logs into the master table and records ETL job
// bookkeeping rows.
type Loader struct {
	wh *warehouse.Warehouse
}

// New constructs a Loader over a warehouse connection.
func New(wh *warehouse.Warehouse) *Loader {
	return &Loader{wh: wh}
}

// EnsureSchema creates the master/ETL-job tables if absent (§4.5); it is
// idempotent DDL, safe on every startup.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	return l.wh.EnsureSchema(ctx)
}

// Result reports the outcome of one LoadBatch call.
type Result struct {
	Job      logmodel.Job
	Loaded   int64
	Failed   int64
}

// LoadBatch stamps ingest_timestamp on every record, opens a job row, then
// inserts in batches of at most batchSize (default warehouse.MaxInsertBatch
// when batchSize <= 0). A batch insert error increments Failed and the loop
// continues to the next batch — the loader never aborts a stream on a
// partial failure (§4.5, §7 BudgetExceeded/DataDefect are non-fatal here).
func (l *Loader) LoadBatch(ctx context.Context, logs []logmodel.CanonicalLog, streamID string, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = warehouse.MaxInsertBatch
	}

	now := time.Now().UTC()
	job := logmodel.Job{
		JobID:     uuid.NewString(),
		Kind:      logmodel.JobKindETL,
		StreamID:  streamID,
		Status:    logmodel.JobStatusRunning,
		StartedAt: now,
	}
	if err := l.wh.UpsertJob(ctx, job); err != nil {
		return Result{Job: job}, fmt.Errorf("load: open job for %s: %w", streamID, err)
	}

	var result Result
	var firstErr error
	for start := 0; start < len(logs); start += batchSize {
		end := start + batchSize
		if end > len(logs) {
			end = len(logs)
		}
		batch := logs[start:end]
		for i := range batch {
			batch[i].IngestTimestamp = now
		}

		n, err := l.wh.InsertLogs(ctx, batch)
		if err != nil {
			result.Failed += int64(len(batch))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.Loaded += n
	}

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.RecordsRead = int64(len(logs))
	job.RecordsWritten = result.Loaded
	job.RecordsFailed = result.Failed
	switch {
	case result.Failed == 0:
		job.Status = logmodel.JobStatusSucceeded
	case result.Loaded > 0:
		job.Status = logmodel.JobStatusPartial
	default:
		job.Status = logmodel.JobStatusFailed
	}
	if firstErr != nil {
		job.ErrorMessage = firstErr.Error()
	}
	if err := l.wh.UpsertJob(ctx, job); err != nil {
		return Result{Job: job, Loaded: result.Loaded, Failed: result.Failed}, fmt.Errorf("load: close job for %s: %w", streamID, err)
	}

	result.Job = job
	return result, nil
}

// CleanupSourceTable deletes rows of a source table older than beforeTS,
// defaulting to dry-run (§4.5) — the caller must pass dryRun=false
// explicitly to perform the delete.
func (l *Loader) CleanupSourceTable(ctx context.Context, dataset, table string, beforeTS time.Time, dryRun bool) (int64, error) {
	return l.wh.CleanupSourceTable(ctx, dataset, table, beforeTS, dryRun)
}
