// Package stream implements the Stream Registry (C1): it discovers log
// source tables, classifies their direction and flow, and tracks each
// stream's sync offset across pipeline runs. Grounded on the teacher's
// pkg/repo generic Repository interface and warehouse/schema.go's DDL style.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/warehouse"
)

// StreamsTable is the sink table for registered streams (§6.1 extends the
// master/ETL-job tables with a third: the registry's own bookkeeping).
const StreamsTable = "central_logging_v1.log_streams"

const streamsDDL = `
CREATE TABLE IF NOT EXISTS central_logging_v1.log_streams (
	stream_id            TEXT PRIMARY KEY,
	source_dataset        TEXT NOT NULL,
	source_table          TEXT NOT NULL,
	direction             TEXT NOT NULL,
	flow                  TEXT NOT NULL,
	region                TEXT,
	zone                  TEXT,
	project               TEXT,
	org                   TEXT,
	enabled               BOOLEAN NOT NULL DEFAULT TRUE,
	priority              INTEGER NOT NULL DEFAULT 0,
	last_sync_offset      BIGINT NOT NULL DEFAULT 0,
	total_records_synced  BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
`

// requiredSchemaFields is the fixed catalog of columns a table must carry at
// least one of to be accepted as a log stream by Discover (§4.1).
var requiredSchemaFields = []string{"timestamp", "severity", "logName"}

var sinkErrorRe = regexp.MustCompile(`(?i)sink_error`)

// Registry is the Postgres-backed Stream Registry (C1). It owns the
// log_streams bookkeeping table; reads it shares the Warehouse connection
// the Extractor (C2) and Loader (C5) already use.
type Registry struct {
	wh *warehouse.Warehouse
}

// New wraps an existing Warehouse connection.
func New(wh *warehouse.Warehouse) *Registry {
	return &Registry{wh: wh}
}

// EnsureSchema creates the log_streams table if absent. Safe on every
// startup, same idiom as warehouse.EnsureSchema.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.wh.Exec(ctx, streamsDDL); err != nil {
		return fmt.Errorf("stream: ensure log_streams: %w", err)
	}
	return nil
}

// CandidateTable is one row of information_schema.tables the discovery pass
// considers; callers of Discover supply these (normally via a warehouse
// query over information_schema) so Discover itself stays a pure function
// over a schema snapshot plus a per-table column set.
type CandidateTable struct {
	Dataset string
	Table   string
	Columns map[string]bool
	Rows    int64
}

// Discover classifies candidate tables into streams, skipping any table
// whose schema carries none of the required log fields (§4.1). A dataset
// that fails to enumerate never aborts the others — callers are expected to
// call Discover per-dataset and continue past errors; Discover itself never
// returns a partial-failure error because it operates on an already-fetched
// table list.
func Discover(project string, tables []CandidateTable) []logmodel.Stream {
	var out []logmodel.Stream
	now := time.Now().UTC()
	for _, t := range tables {
		if t.Rows == 0 {
			continue
		}
		if !hasAnyField(t.Columns, requiredSchemaFields) {
			continue
		}
		out = append(out, logmodel.Stream{
			StreamID:      logmodel.StreamIDFor(t.Dataset, t.Table),
			SourceDataset: t.Dataset,
			SourceTable:   t.Table,
			Direction:     classifyDirection(t.Table),
			Flow:          classifyFlow(t.Table),
			Coordinates:   logmodel.Coordinates{Project: project},
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return out
}

func hasAnyField(columns map[string]bool, fields []string) bool {
	for _, f := range fields {
		if columns[f] {
			return true
		}
	}
	return false
}

// classifyDirection derives a stream's Direction from its table name (§4.1):
// audit* -> INTERNAL, request* -> INBOUND, sink_error* -> OUTBOUND, else
// INTERNAL.
func classifyDirection(table string) logmodel.Direction {
	t := strings.ToLower(table)
	switch {
	case sinkErrorRe.MatchString(t):
		return logmodel.DirectionOutbound
	case strings.HasPrefix(t, "request"):
		return logmodel.DirectionInbound
	default:
		return logmodel.DirectionInternal
	}
}

// classifyFlow derives a stream's Flow from its table name (§4.1):
// stdout|stderr -> REALTIME, else BATCH.
func classifyFlow(table string) logmodel.Flow {
	t := strings.ToLower(table)
	if strings.Contains(t, "stdout") || strings.Contains(t, "stderr") {
		return logmodel.FlowRealtime
	}
	return logmodel.FlowBatch
}

// Register upserts a stream by stream_id, preserving last_sync_offset and
// total_records_synced on an existing row (§4.1) — discovery never resets a
// stream's sync progress.
func (r *Registry) Register(ctx context.Context, s logmodel.Stream) error {
	const stmt = `
INSERT INTO central_logging_v1.log_streams
	(stream_id, source_dataset, source_table, direction, flow, region, zone, project, org,
	 enabled, priority, last_sync_offset, total_records_synced, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (stream_id) DO UPDATE SET
	direction = EXCLUDED.direction,
	flow = EXCLUDED.flow,
	region = EXCLUDED.region,
	zone = EXCLUDED.zone,
	project = EXCLUDED.project,
	org = EXCLUDED.org,
	updated_at = EXCLUDED.updated_at
`
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := r.wh.Exec(ctx, stmt,
		s.StreamID, s.SourceDataset, s.SourceTable, string(s.Direction), string(s.Flow),
		s.Coordinates.Region, s.Coordinates.Zone, s.Coordinates.Project, s.Coordinates.Org,
		s.Enabled, s.Priority, s.LastSyncOffset, s.TotalRecordsSynced, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("stream: register %s: %w", s.StreamID, err)
	}
	return nil
}

// Get returns one stream by id.
func (r *Registry) Get(ctx context.Context, streamID string) (logmodel.Stream, error) {
	rows, err := r.wh.Query(ctx, selectColumns+` WHERE stream_id = $1`, streamID)
	if err != nil {
		return logmodel.Stream{}, fmt.Errorf("stream: get %s: %w", streamID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return logmodel.Stream{}, fmt.Errorf("stream: %s: %w", streamID, sql.ErrNoRows)
	}
	return scanStream(rows)
}

// List returns every registered stream, optionally filtered to enabled-only.
func (r *Registry) List(ctx context.Context, enabledOnly bool) ([]logmodel.Stream, error) {
	query := selectColumns
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY priority DESC, stream_id"
	rows, err := r.wh.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stream: list: %w", err)
	}
	defer rows.Close()

	var out []logmodel.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectColumns = `
SELECT stream_id, source_dataset, source_table, direction, flow, region, zone, project, org,
       enabled, priority, last_sync_offset, total_records_synced, created_at, updated_at
FROM central_logging_v1.log_streams`

func scanStream(rows *sql.Rows) (logmodel.Stream, error) {
	var s logmodel.Stream
	var region, zone, project, org sql.NullString
	if err := rows.Scan(
		&s.StreamID, &s.SourceDataset, &s.SourceTable, &s.Direction, &s.Flow,
		&region, &zone, &project, &org,
		&s.Enabled, &s.Priority, &s.LastSyncOffset, &s.TotalRecordsSynced, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return logmodel.Stream{}, fmt.Errorf("stream: scan: %w", err)
	}
	s.Coordinates = logmodel.Coordinates{Region: region.String, Zone: zone.String, Project: project.String, Org: org.String}
	return s, nil
}

// UpdateSync monotonically advances a stream's last_sync_offset and
// additively increments total_records_synced (§4.1, §8: new offset >= old
// offset).
func (r *Registry) UpdateSync(ctx context.Context, streamID string, newOffset, delta int64) error {
	const stmt = `
UPDATE central_logging_v1.log_streams
SET last_sync_offset = GREATEST(last_sync_offset, $2),
    total_records_synced = total_records_synced + $3,
    updated_at = $4
WHERE stream_id = $1
`
	_, err := r.wh.Exec(ctx, stmt, streamID, newOffset, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stream: update sync %s: %w", streamID, err)
	}
	return nil
}

// MarshalCoordinates renders coordinates as a JSON string, or "{}" if they
// cannot be marshalled.
func MarshalCoordinates(c logmodel.Coordinates) string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
