// Package checkpoint is the Checkpoint/Metrics Registry (C9): the embedding
// worker's shared state store. The ETL pipeline does not write to it; it
// keeps its per-stream offsets in the stream registry table.
// It tracks a monotonic per-stream offset/total, a recomputed global
// progress view, rolling per-service latency samples and windowed error
// counters, and the adaptive batch-size tuner. Backed by Redis, the same
// broker the Queue (C8) uses.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout (§6.2).
const (
	keyCheckpointPrefix = "checkpoint:"
	keyGlobal           = "checkpoint:global"
	keyMetricsPrefix    = "metrics:"
	keyBatchOptimal     = "metrics:batch:optimal"
)

// ErrorWindow is the TTL on the rolling error counter (§4.9).
const ErrorWindow = 300 * time.Second

// MaxSamples bounds each service's rolling latency list (§4.9).
const MaxSamples = 100

// Checkpoint is a per-stream offset/total pair (§3, §6.2).
type Checkpoint struct {
	Offset    int64     `json:"offset"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalCheckpoint aggregates worker progress across every table.
type GlobalCheckpoint struct {
	TablesCompleted int       `json:"tables_completed"`
	TotalEmbedded   int64     `json:"total_embedded"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BatchSizes is the adaptive tuner's persisted state (§4.9).
type BatchSizes struct {
	Embed     int       `json:"embed"`
	Upsert    int       `json:"upsert"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Adaptive tuning ranges and defaults (§4.9).
const (
	EmbedBatchMin     = 5
	EmbedBatchMax     = 50
	EmbedBatchDefault = 10

	UpsertBatchMin     = 10
	UpsertBatchMax     = 100
	UpsertBatchDefault = 20
)

// Registry is the Redis-backed checkpoint store and metrics registry.
type Registry struct {
	rdb redis.Cmdable
}

// New wraps an existing redis client.
func New(rdb redis.Cmdable) *Registry {
	return &Registry{rdb: rdb}
}

func checkpointKey(table string) string { return keyCheckpointPrefix + table }

// GetCheckpoint reads a table's checkpoint, returning the zero value if
// none has been recorded yet.
func (r *Registry) GetCheckpoint(ctx context.Context, table string) (Checkpoint, error) {
	val, err := r.rdb.Get(ctx, checkpointKey(table)).Result()
	if err != nil {
		if err == redis.Nil {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: get %s: %w", table, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode %s: %w", table, err)
	}
	return cp, nil
}

// Advance sets a table's checkpoint to newOffset (monotonically — it never
// moves backward) and adds delta to the running total (§8 testable
// property: checkpoint(j.table) >= j.offset + rows_embedded(j) after
// commit).
func (r *Registry) Advance(ctx context.Context, table string, newOffset, delta int64) (Checkpoint, error) {
	cur, err := r.GetCheckpoint(ctx, table)
	if err != nil {
		return Checkpoint{}, err
	}
	if newOffset < cur.Offset {
		newOffset = cur.Offset
	}
	cp := Checkpoint{Offset: newOffset, Total: cur.Total + delta, UpdatedAt: time.Now().UTC()}
	body, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: marshal %s: %w", table, err)
	}
	if err := r.rdb.Set(ctx, checkpointKey(table), body, 0).Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: set %s: %w", table, err)
	}
	return cp, nil
}

// Global recomputes the aggregate view from every per-table checkpoint
// (avoiding the drift a separately-writable counter would accumulate — see
// DESIGN.md) and persists it to checkpoint:global for readers that expect
// that key directly.
func (r *Registry) Global(ctx context.Context, tables []string) (GlobalCheckpoint, error) {
	var g GlobalCheckpoint
	for _, table := range tables {
		cp, err := r.GetCheckpoint(ctx, table)
		if err != nil {
			return GlobalCheckpoint{}, err
		}
		g.TotalEmbedded += cp.Total
		if cp.Total > 0 {
			g.TablesCompleted++
		}
	}
	g.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(g)
	if err != nil {
		return GlobalCheckpoint{}, fmt.Errorf("checkpoint: marshal global: %w", err)
	}
	if err := r.rdb.Set(ctx, keyGlobal, body, 0).Err(); err != nil {
		return GlobalCheckpoint{}, fmt.Errorf("checkpoint: set global: %w", err)
	}
	return g, nil
}
