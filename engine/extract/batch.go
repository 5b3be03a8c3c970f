package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

// BatchResult is the outcome of draining a stream through ExtractBatch.
type BatchResult struct {
	Records       []logmodel.RawLogRecord
	BatchesRead   int
	FinalOffset   int64
}

// ExtractBatch drives pagination over a stream starting at startOffset,
// stopping when a short page is returned or maxBatches is reached (0 means
// unbounded) (§4.2). A page-read failure stops iteration for this stream and
// returns the records gathered so far together with the error, letting the
// caller decide whether to continue on to other streams.
func ExtractBatch(ctx context.Context, e *Extractor, s logmodel.Stream, batchSize int64, maxBatches int, startOffset int64) (BatchResult, error) {
	var result BatchResult
	offset := startOffset

	for batch := 0; maxBatches == 0 || batch < maxBatches; batch++ {
		page, err := e.Extract(ctx, s, offset, batchSize, 0)
		if err != nil {
			return result, fmt.Errorf("extract: batch %d of %s: %w", batch, s.StreamID, err)
		}
		result.Records = append(result.Records, page.Records...)
		result.BatchesRead++
		offset += int64(len(page.Records))
		result.FinalOffset = offset

		if page.Short {
			break
		}
	}
	return result, nil
}

// CountRemaining reports, approximately, how many rows of stream remain
// past a given offset — a progress-reporting helper (§4.2); it costs one
// COUNT(*) query and is meant for status displays, not hot-path use.
func CountRemaining(ctx context.Context, e *Extractor, s logmodel.Stream, offset int64) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s.%s`, quoteIdent(s.SourceDataset), quoteIdent(s.SourceTable))
	rows, err := e.wh.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("extract: count %s: %w", s.StreamID, err)
	}
	defer rows.Close()
	var total int64
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, fmt.Errorf("extract: scan count %s: %w", s.StreamID, err)
		}
	}
	remaining := total - offset
	if remaining < 0 {
		remaining = 0
	}
	return remaining, rows.Err()
}

func quoteIdent(s string) string { return `"` + s + `"` }

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	default:
		return time.Time{}, false
	}
}

// elapsedSince returns the time elapsed since start.
func elapsedSince(start time.Time) time.Duration {
	return time.Since(start)
}
