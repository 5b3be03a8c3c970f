package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// latencyKey/errorKey implement the `metrics:<svc>:latency` / `metrics:<svc>:errors`
// layout (§6.2). svc is "ollama" or "qdrant".
func latencyKey(svc string) string { return keyMetricsPrefix + svc + ":latency" }
func errorKey(svc string) string   { return keyMetricsPrefix + svc + ":errors" }

// MetricsRegistry is the subset of Registry the Embedder Client (C10) and
// Vector Index Writer (C11) use to record latency/error samples. It is the
// same Redis-backed store as Registry; the separate name documents that
// only the tuner mutates the persisted batch sizes (§5).
type MetricsRegistry = Registry

// RecordLatency pushes a latency sample (milliseconds) onto the service's
// rolling list, trimmed to MaxSamples (LPUSH + LTRIM, §4.9).
func (r *Registry) RecordLatency(service string, d time.Duration) {
	ctx := context.Background()
	key := latencyKey(service)
	ms := float64(d) / float64(time.Millisecond)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(ms, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, MaxSamples-1)
	_, _ = pipe.Exec(ctx)
}

// RecordError increments the service's windowed error counter (INCR +
// EXPIRE=300s, §4.9). The TTL is (re)applied on every increment so the
// window slides with activity.
func (r *Registry) RecordError(service string) {
	ctx := context.Background()
	key := errorKey(service)
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ErrorWindow)
	_, _ = pipe.Exec(ctx)
}

// Samples returns the service's rolling latency samples (milliseconds) and
// current error count.
func (r *Registry) Samples(ctx context.Context, service string) (latenciesMs []float64, errCount int64, err error) {
	raw, err := r.rdb.LRange(ctx, latencyKey(service), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: latency samples %s: %w", service, err)
	}
	latenciesMs = make([]float64, 0, len(raw))
	for _, s := range raw {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		latenciesMs = append(latenciesMs, f)
	}

	errCount, err = r.rdb.Get(ctx, errorKey(service)).Int64()
	if err != nil {
		if err == redis.Nil {
			errCount = 0
		} else {
			return latenciesMs, 0, fmt.Errorf("checkpoint: error count %s: %w", service, err)
		}
	}
	return latenciesMs, errCount, nil
}

// avg returns the mean of a float64 slice, 0 for an empty slice.
func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
