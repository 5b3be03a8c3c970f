package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/repo"
	"github.com/lumenlog/logpipe/pkg/warehouse"
)

// jobColumns mirrors warehouse/schema.go's etlJobsDDL column list exactly,
// so the Job Store's generic repository and the Loader's hand-written
// UpsertJob stay interchangeable over the same table.
var jobColumns = []string{
	"job_id", "kind", "stream_id", "status", "started_at", "finished_at",
	"records_read", "records_written", "records_failed", "error_message", "cursor",
}

func jobMapping() repo.Mapping[logmodel.Job, string] {
	return repo.Mapping[logmodel.Job, string]{
		Table:    warehouse.JobsTable,
		IDColumn: "job_id",
		Columns:  jobColumns,
		OrderBy:  "started_at DESC",
		ID:       func(j logmodel.Job) string { return j.JobID },
		Args: func(j logmodel.Job) []any {
			return []any{
				j.JobID, string(j.Kind), j.StreamID, string(j.Status), j.StartedAt, j.FinishedAt,
				j.RecordsRead, j.RecordsWritten, j.RecordsFailed, j.ErrorMessage, j.Cursor,
			}
		},
		Scan: func(rows *sql.Rows) (logmodel.Job, error) {
			var j logmodel.Job
			var kind, status string
			var finished sql.NullTime
			if err := rows.Scan(
				&j.JobID, &kind, &j.StreamID, &status, &j.StartedAt, &finished,
				&j.RecordsRead, &j.RecordsWritten, &j.RecordsFailed, &j.ErrorMessage, &j.Cursor,
			); err != nil {
				return logmodel.Job{}, err
			}
			j.Kind = logmodel.JobKind(kind)
			j.Status = logmodel.JobStatus(status)
			if finished.Valid {
				j.FinishedAt = &finished.Time
			}
			return j, nil
		},
	}
}

// JobStore is the Job Store (C7): bookkeeping queries over the shared
// etl_jobs table, built on top of the generic PostgresRepository plus a
// handful of raw-SQL aggregate queries the generic interface can't express.
type JobStore struct {
	repo repo.Repository[logmodel.Job, string]
	wh   *warehouse.Warehouse
}

// NewJobStore builds a JobStore sharing wh's connection.
func NewJobStore(wh *warehouse.Warehouse) *JobStore {
	return &JobStore{
		repo: repo.NewPostgresRepository[logmodel.Job, string](wh.Raw(), jobMapping()),
		wh:   wh,
	}
}

// Get fetches one job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (logmodel.Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return logmodel.Job{}, fmt.Errorf("jobstore: get %s: %w", jobID, err)
	}
	return j, nil
}

// Recent returns the most recently started jobs, newest first.
func (s *JobStore) Recent(ctx context.Context, limit int) ([]logmodel.Job, error) {
	jobs, err := s.repo.List(ctx, repo.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("jobstore: recent: %w", err)
	}
	return jobs, nil
}

// RunningByStream returns the jobs currently in the running state for one
// stream, used to detect a stuck or overlapping run before starting a new
// one (§4.7).
func (s *JobStore) RunningByStream(ctx context.Context, streamID string) ([]logmodel.Job, error) {
	jobs, err := s.repo.List(ctx, repo.ListOpts{Filter: map[string]any{
		"stream_id": streamID,
		"status":    string(logmodel.JobStatusRunning),
	}})
	if err != nil {
		return nil, fmt.Errorf("jobstore: running for %s: %w", streamID, err)
	}
	return jobs, nil
}

// Summary aggregates job outcomes over a rolling window, for the CLI's
// `status` subcommand (§4.7).
type Summary struct {
	Window          time.Duration
	TotalJobs       int64
	Succeeded       int64
	Partial         int64
	Failed          int64
	RecordsRead     int64
	RecordsWritten  int64
	RecordsFailed   int64
	AvgDuration     time.Duration
}

// SummaryOver computes a Summary for jobs started within the last window.
func (s *JobStore) SummaryOver(ctx context.Context, window time.Duration) (Summary, error) {
	const q = `
SELECT status, started_at, finished_at, records_read, records_written, records_failed
FROM central_logging_v1.etl_jobs
WHERE started_at >= $1
`
	rows, err := s.wh.Query(ctx, q, time.Now().UTC().Add(-window))
	if err != nil {
		return Summary{}, fmt.Errorf("jobstore: summary: %w", err)
	}
	defer rows.Close()

	var sum Summary
	sum.Window = window
	var totalDuration time.Duration
	var withDuration int64
	for rows.Next() {
		var status string
		var started time.Time
		var finished sql.NullTime
		var read, written, failed int64
		if err := rows.Scan(&status, &started, &finished, &read, &written, &failed); err != nil {
			return Summary{}, fmt.Errorf("jobstore: summary scan: %w", err)
		}
		sum.TotalJobs++
		sum.RecordsRead += read
		sum.RecordsWritten += written
		sum.RecordsFailed += failed
		switch logmodel.JobStatus(status) {
		case logmodel.JobStatusSucceeded:
			sum.Succeeded++
		case logmodel.JobStatusPartial:
			sum.Partial++
		case logmodel.JobStatusFailed:
			sum.Failed++
		}
		if finished.Valid {
			totalDuration += finished.Time.Sub(started)
			withDuration++
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("jobstore: summary rows: %w", err)
	}
	if withDuration > 0 {
		sum.AvgDuration = totalDuration / time.Duration(withDuration)
	}
	return sum, nil
}

// FailedAlerts returns jobs that failed within window, for an operator alert
// feed (§4.7). Partial successes are not alerts on their own — only a hard
// failure is.
func (s *JobStore) FailedAlerts(ctx context.Context, window time.Duration) ([]logmodel.Job, error) {
	const q = `
SELECT job_id, kind, stream_id, status, started_at, finished_at, records_read, records_written, records_failed, error_message, cursor
FROM central_logging_v1.etl_jobs
WHERE status = $1 AND started_at >= $2
ORDER BY started_at DESC
`
	rows, err := s.wh.Query(ctx, q, string(logmodel.JobStatusFailed), time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("jobstore: failed alerts: %w", err)
	}
	defer rows.Close()

	var out []logmodel.Job
	for rows.Next() {
		j, err := jobMapping().Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: failed alerts scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
