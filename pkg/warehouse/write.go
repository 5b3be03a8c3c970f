package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

// MaxInsertBatch is the largest batch the Loader may push in one statement.
const MaxInsertBatch = 500

// InsertLogs writes a batch of canonical logs, de-duplicating on the
// warehouse dedup key (insert_id when the source provided one, else log_id —
// see CanonicalLog.DedupKey) via an upsert that's a no-op on conflict, so two
// concurrent pipelines loading the same raw row land the same row count.
func (w *Warehouse) InsertLogs(ctx context.Context, logs []logmodel.CanonicalLog) (inserted int64, err error) {
	if len(logs) == 0 {
		return 0, nil
	}
	if len(logs) > MaxInsertBatch {
		return 0, fmt.Errorf("warehouse: batch of %d exceeds max %d", len(logs), MaxInsertBatch)
	}

	const stmt = `
INSERT INTO central_logging_v1.master_logs
	(log_id, insert_id, event_timestamp, ingest_timestamp, severity, severity_level,
	 log_type, source_dataset, source_table, stream_id, service_name, log_date,
	 cluster_key, is_error, is_audit, is_request, has_trace, record)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (insert_id) WHERE insert_id IS NOT NULL DO NOTHING
`
	var total int64
	for _, l := range logs {
		record, err := json.Marshal(l)
		if err != nil {
			return total, fmt.Errorf("warehouse: marshal canonical log %s: %w", l.LogID, err)
		}
		dedupID := l.DedupKey()
		n, err := w.Exec(ctx, stmt,
			l.LogID, dedupID, l.EventTimestamp, l.IngestTimestamp, string(l.Severity), l.SeverityLevel,
			string(l.LogType), l.SourceDataset, l.SourceTable, l.StreamID, l.ServiceName, l.LogDate(),
			l.ClusterKey(), l.IsError, l.IsAudit, l.IsRequest, l.HasTrace, record)
		if err != nil {
			return total, fmt.Errorf("warehouse: insert log %s: %w", l.LogID, err)
		}
		total += n
	}
	return total, nil
}

// UpsertJob inserts or updates an ETL/embed job row (C7's Job Store).
func (w *Warehouse) UpsertJob(ctx context.Context, j logmodel.Job) error {
	const stmt = `
INSERT INTO central_logging_v1.etl_jobs
	(job_id, kind, stream_id, status, started_at, finished_at,
	 records_read, records_written, records_failed, error_message, cursor)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	records_read = EXCLUDED.records_read,
	records_written = EXCLUDED.records_written,
	records_failed = EXCLUDED.records_failed,
	error_message = EXCLUDED.error_message,
	cursor = EXCLUDED.cursor
`
	_, err := w.Exec(ctx, stmt,
		j.JobID, string(j.Kind), j.StreamID, string(j.Status), j.StartedAt, j.FinishedAt,
		j.RecordsRead, j.RecordsWritten, j.RecordsFailed, j.ErrorMessage, j.Cursor)
	if err != nil {
		return fmt.Errorf("warehouse: upsert job %s: %w", j.JobID, err)
	}
	return nil
}

// CleanupSourceTable deletes rows older than beforeTS from a source table.
// It defaults to dry-run: with dryRun true (the caller's default), it only
// reports the row count that would be deleted.
func (w *Warehouse) CleanupSourceTable(ctx context.Context, dataset, table string, beforeTS time.Time, dryRun bool) (int64, error) {
	countSQL := fmt.Sprintf(`SELECT count(*) FROM %s.%s WHERE "timestamp" < $1`, quoteIdent(dataset), quoteIdent(table))
	rows, err := w.Query(ctx, countSQL, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("warehouse: cleanup count %s.%s: %w", dataset, table, err)
	}
	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("warehouse: scan cleanup count: %w", err)
		}
	}
	rows.Close()

	if dryRun {
		return count, nil
	}

	deleteSQL := fmt.Sprintf(`DELETE FROM %s.%s WHERE "timestamp" < $1`, quoteIdent(dataset), quoteIdent(table))
	n, err := w.Exec(ctx, deleteSQL, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("warehouse: cleanup delete %s.%s: %w", dataset, table, err)
	}
	return n, nil
}
