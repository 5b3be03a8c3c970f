package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

// FetchCanonical reads up to limit rows of one stream from the master log
// table at or after offset, ordered by event_timestamp DESC — the
// Embedding Worker's row source when it reads from the canonical store
// rather than a raw source table (§4.12 step 1).
func (w *Warehouse) FetchCanonical(ctx context.Context, streamID string, offset, limit int64) ([]logmodel.CanonicalLog, error) {
	const q = `
SELECT record FROM central_logging_v1.master_logs
WHERE stream_id = $1
ORDER BY event_timestamp DESC
OFFSET $2 LIMIT $3
`
	rows, err := w.Query(ctx, q, streamID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("warehouse: fetch canonical %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []logmodel.CanonicalLog
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("warehouse: scan canonical %s: %w", streamID, err)
		}
		var l logmodel.CanonicalLog
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("warehouse: decode canonical %s: %w", streamID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TableSchema reports which known log columns exist on a source table, so
// the Extractor can build a schema-adaptive projection.
func (w *Warehouse) TableSchema(ctx context.Context, dataset, table string) (map[string]bool, error) {
	rows, err := w.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		dataset, table)
	if err != nil {
		return nil, fmt.Errorf("warehouse: table schema %s.%s: %w", dataset, table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("warehouse: scan column name: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// PageQuery builds the SQL for reading one page of a source table, selecting
// only the given columns (the Extractor's schema-adaptive projection),
// ordered by timestamp DESC, optionally windowed to the last `hours`.
func PageQuery(dataset, table string, columns []string, hasTimestamp bool, hours int) (string, []any) {
	projected := make([]string, len(columns))
	for i, c := range columns {
		projected[i] = quoteIdent(c)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s.%s", strings.Join(projected, ", "), quoteIdent(dataset), quoteIdent(table))

	var args []any
	argN := 1
	if hasTimestamp && hours > 0 {
		sql += fmt.Sprintf(" WHERE %s >= now() - ($%d || ' hours')::interval", quoteIdent("timestamp"), argN)
		args = append(args, hours)
		argN++
	}
	if hasTimestamp {
		sql += fmt.Sprintf(" ORDER BY %s DESC", quoteIdent("timestamp"))
	}
	sql += fmt.Sprintf(" OFFSET $%d LIMIT $%d", argN, argN+1)
	return sql, args
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
