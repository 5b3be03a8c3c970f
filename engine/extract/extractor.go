// Package extract implements the Extractor (C2): schema-adaptive paged
// reads from a source table, producing RawLogRecords. The projection is
// built from the fixed logmodel.ColumnCatalog, restricted to whatever
// columns the target table's schema actually has, so a stream missing
// optional columns never breaks extraction (§4.2, §7.2 SchemaMismatch).
package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/warehouse"
)

// Extractor reads pages of raw log records from source tables.
type Extractor struct {
	wh     *warehouse.Warehouse
	Logger *slog.Logger
}

// New constructs an Extractor over a warehouse connection.
func New(wh *warehouse.Warehouse) *Extractor {
	return &Extractor{wh: wh, Logger: slog.Default()}
}

// Page is one page of raw records plus whether it was short (fewer than
// requested), the Batch driver's stop signal (§4.2).
type Page struct {
	Records []logmodel.RawLogRecord
	Short   bool
}

// Extract reads up to limit rows of stream, ordered by timestamp DESC,
// optionally windowed to the last `hours` hours when hours > 0 and the
// table carries a timestamp column (§4.2). Extraction errors are
// non-fatal to the caller: the orchestrator logs and ends iteration for
// that stream rather than aborting the whole run.
func (e *Extractor) Extract(ctx context.Context, s logmodel.Stream, offset, limit int64, hours int) (Page, error) {
	cols, err := e.wh.TableSchema(ctx, s.SourceDataset, s.SourceTable)
	if err != nil {
		return Page{}, fmt.Errorf("extract: schema %s: %w", s.StreamID, err)
	}

	selected := projectedColumns(cols)
	if len(selected) == 0 {
		return Page{}, fmt.Errorf("extract: %s: no known log columns present", s.StreamID)
	}
	hasTimestamp := cols["timestamp"]

	query, args := warehouse.PageQuery(s.SourceDataset, s.SourceTable, selected, hasTimestamp, hours)
	args = append(args, offset, limit)

	rows, err := e.wh.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("extract: query %s: %w", s.StreamID, err)
	}
	defer rows.Close()

	records, err := scanRows(rows, selected, s)
	if err != nil {
		return Page{}, fmt.Errorf("extract: scan %s: %w", s.StreamID, err)
	}

	return Page{Records: records, Short: int64(len(records)) < limit}, nil
}

// projectedColumns selects, in catalog order, only the columns that exist on
// the target schema (§4.2's schema-adaptive projection).
func projectedColumns(cols map[string]bool) []string {
	var selected []string
	for _, group := range [][]string{
		logmodel.ColumnCatalog.Core,
		logmodel.ColumnCatalog.Payloads,
		logmodel.ColumnCatalog.Context,
	} {
		for _, c := range group {
			if cols[c] {
				selected = append(selected, c)
			}
		}
	}
	return selected
}

// scanRows decodes one page of rows generically: each selected column is
// read into a sql.RawBytes-like any, then mapped onto the RawLogRecord by
// name. Missing optional columns were never selected, so their fields stay
// zero (§8 boundary property).
func scanRows(rows *sql.Rows, columns []string, s logmodel.Stream) ([]logmodel.RawLogRecord, error) {
	var out []logmodel.RawLogRecord
	dest := make([]any, len(columns))
	vals := make([]any, len(columns))
	for i := range dest {
		dest[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r := logmodel.RawLogRecord{
			StreamID:      s.StreamID,
			SourceDataset: s.SourceDataset,
			SourceTable:   s.SourceTable,
		}
		for i, col := range columns {
			assignColumn(&r, col, vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// assignColumn maps one scanned column value onto its RawLogRecord field by
// the fixed catalog name (§4.2/§3).
func assignColumn(r *logmodel.RawLogRecord, col string, v any) {
	switch col {
	case "timestamp":
		if t, ok := asTime(v); ok {
			r.Timestamp = &t
		}
	case "receiveTimestamp":
		if t, ok := asTime(v); ok {
			r.ReceiveTimestamp = &t
		}
	case "severity":
		r.Severity, _ = asString(v)
	case "logName":
		r.LogName, _ = asString(v)
	case "insertId":
		r.InsertID, _ = asString(v)
	case "resource":
		if m, ok := asJSONObject(v); ok {
			if typ, ok := stringField(m, "type"); ok {
				r.ResourceType = typ
			}
			if labels, ok := m["labels"].(map[string]any); ok {
				r.ResourceLabels = toStringMap(labels)
			}
		}
	case "textPayload":
		r.TextPayload, _ = asString(v)
	case "jsonPayload":
		r.JSONPayload, _ = asJSONObject(v)
	case "protoPayload":
		r.ProtoPayload, _ = asJSONObject(v)
	case "audit":
		r.AuditPayload, _ = asJSONObject(v)
	case "httpRequest":
		r.HTTPRequest, _ = asJSONObject(v)
	case "trace":
		r.Trace, _ = asString(v)
	case "spanId":
		r.SpanID, _ = asString(v)
	case "traceSampled":
		if b, ok := v.(bool); ok {
			r.TraceSampled = &b
		}
	case "operation":
		r.Operation, _ = asJSONObject(v)
	case "sourceLocation":
		r.SourceLocation, _ = asJSONObject(v)
	case "labels":
		if m, ok := asJSONObject(v); ok {
			r.Labels = toStringMap(m)
		}
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func toStringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprint(x), true
	}
}

func asJSONObject(v any) (map[string]any, bool) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil, false
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	default:
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
