package warehouse

import (
	"context"
	"fmt"
)

// MasterLogsTable and JobsTable are the fixed sink table names (§6.1).
const (
	MasterLogsTable = "central_logging_v1.master_logs"
	JobsTable       = "central_logging_v1.etl_jobs"
)

const masterLogsDDL = `
CREATE SCHEMA IF NOT EXISTS central_logging_v1;
CREATE TABLE IF NOT EXISTS central_logging_v1.master_logs (
	log_id           TEXT PRIMARY KEY,
	insert_id        TEXT,
	event_timestamp  TIMESTAMPTZ NOT NULL,
	ingest_timestamp TIMESTAMPTZ NOT NULL,
	severity         TEXT NOT NULL,
	severity_level   INTEGER NOT NULL,
	log_type         TEXT NOT NULL,
	source_dataset   TEXT NOT NULL,
	source_table     TEXT NOT NULL,
	stream_id        TEXT NOT NULL,
	service_name     TEXT,
	log_date         DATE NOT NULL,
	cluster_key      TEXT NOT NULL,
	is_error         BOOLEAN NOT NULL,
	is_audit         BOOLEAN NOT NULL,
	is_request       BOOLEAN NOT NULL,
	has_trace        BOOLEAN NOT NULL,
	record           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_master_logs_stream ON central_logging_v1.master_logs (stream_id, event_timestamp DESC);
CREATE UNIQUE INDEX IF NOT EXISTS uq_master_logs_insert_id ON central_logging_v1.master_logs (insert_id) WHERE insert_id IS NOT NULL;
`

const etlJobsDDL = `
CREATE TABLE IF NOT EXISTS central_logging_v1.etl_jobs (
	job_id           TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	stream_id        TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	records_read     BIGINT NOT NULL DEFAULT 0,
	records_written  BIGINT NOT NULL DEFAULT 0,
	records_failed   BIGINT NOT NULL DEFAULT 0,
	error_message    TEXT,
	cursor           BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_etl_jobs_stream ON central_logging_v1.etl_jobs (stream_id, started_at DESC);
`

// DDL returns the full schema definition as it would be applied, for the
// `schema` CLI subcommand to print without executing.
func DDL() string {
	return masterLogsDDL + "\n" + etlJobsDDL
}

// EnsureSchema creates the master/ETL-job tables if they don't exist. It is
// safe to call on every startup.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	if _, err := w.Exec(ctx, masterLogsDDL); err != nil {
		return fmt.Errorf("warehouse: ensure master_logs: %w", err)
	}
	if _, err := w.Exec(ctx, etlJobsDDL); err != nil {
		return fmt.Errorf("warehouse: ensure etl_jobs: %w", err)
	}
	return nil
}
