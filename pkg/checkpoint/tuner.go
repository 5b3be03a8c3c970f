package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Adaptive tuning thresholds (§4.9).
const (
	tunerTargetLatency    = 500 * time.Millisecond
	tunerMaxLatency       = 2 * time.Second
	tunerErrorRateTrip    = 0.05
	tunerErrorRateHealthy = 0.01
	tunerMinSamples       = 10

	// TuneInterval is the re-evaluation period for a caller that runs Tune
	// on a schedule (§4.9); this package does not schedule it, and no binary
	// in this module calls Tune.
	TuneInterval = 30 * time.Second
)

// GetBatchSizes reads the persisted optimal batch sizes, defaulting when
// none have been recorded yet (§4.9).
func (r *Registry) GetBatchSizes(ctx context.Context) (BatchSizes, error) {
	val, err := r.rdb.Get(ctx, keyBatchOptimal).Result()
	if err != nil {
		if err == redis.Nil {
			return BatchSizes{Embed: EmbedBatchDefault, Upsert: UpsertBatchDefault}, nil
		}
		return BatchSizes{}, fmt.Errorf("checkpoint: get batch sizes: %w", err)
	}
	var b BatchSizes
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return BatchSizes{}, fmt.Errorf("checkpoint: decode batch sizes: %w", err)
	}
	return b, nil
}

func (r *Registry) setBatchSizes(ctx context.Context, b BatchSizes) error {
	b.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal batch sizes: %w", err)
	}
	return r.rdb.Set(ctx, keyBatchOptimal, body, 0).Err()
}

// TuneStep is one adaptive-tuner decision for a single service, clamped to
// [min,max] (§4.9, §8 boundary property). It is exported so callers can
// record the decision trail (DESIGN.md supplement: recommend_tuning.py).
type TuneStep struct {
	Service   string    `json:"service"`
	Samples   int       `json:"samples"`
	AvgMs     float64   `json:"avg_ms"`
	ErrorRate float64   `json:"error_rate"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// step applies the rule table in §4.9 to one current size.
func step(avgMs float64, errorRate float64, current, min, max int) (next int, reason string) {
	switch {
	case errorRate > tunerErrorRateTrip:
		next, reason = scale(current, 0.7, min, max), "error_rate>5%"
	case time.Duration(avgMs*float64(time.Millisecond)) > tunerMaxLatency:
		next, reason = scale(current, 0.7, min, max), "avg>2s"
	case time.Duration(avgMs*float64(time.Millisecond)) > tunerTargetLatency*3/2:
		next, reason = scale(current, 0.9, min, max), "avg>1.5x target"
	case time.Duration(avgMs*float64(time.Millisecond)) < tunerTargetLatency && errorRate < tunerErrorRateHealthy:
		next, reason = scale(current, 1.2, min, max), "avg<target and error_rate<1%"
	default:
		next, reason = current, "hold"
	}
	return next, reason
}

func scale(current int, factor float64, min, max int) int {
	n := int(roundHalfAwayFromZero(float64(current) * factor))
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

func roundHalfAwayFromZero(f float64) float64 {
	if f >= 0 {
		return float64(int(f + 0.5))
	}
	return float64(int(f - 0.5))
}

// Tune re-evaluates both batch sizes from the "ollama" (embed) and "qdrant"
// (upsert) rolling samples, applying the rule table only when at least
// tunerMinSamples samples exist for that service, and persists the result.
// It always returns the (possibly unchanged) steps taken for both services.
func (r *Registry) Tune(ctx context.Context) ([]TuneStep, error) {
	sizes, err := r.GetBatchSizes(ctx)
	if err != nil {
		return nil, err
	}

	steps := make([]TuneStep, 0, 2)

	embedStep, err := r.tuneOne(ctx, "ollama", sizes.Embed, EmbedBatchMin, EmbedBatchMax)
	if err != nil {
		return nil, err
	}
	steps = append(steps, embedStep)
	sizes.Embed = embedStep.After

	upsertStep, err := r.tuneOne(ctx, "qdrant", sizes.Upsert, UpsertBatchMin, UpsertBatchMax)
	if err != nil {
		return nil, err
	}
	steps = append(steps, upsertStep)
	sizes.Upsert = upsertStep.After

	if err := r.setBatchSizes(ctx, sizes); err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *Registry) tuneOne(ctx context.Context, service string, current, min, max int) (TuneStep, error) {
	samples, errCount, err := r.Samples(ctx, service)
	if err != nil {
		return TuneStep{}, err
	}
	now := time.Now().UTC()
	if len(samples) < tunerMinSamples {
		return TuneStep{Service: service, Samples: len(samples), Before: current, After: current, Reason: "insufficient samples", At: now}, nil
	}

	errorRate := float64(errCount) / float64(maxInt(len(samples), 1))
	mean := avg(samples)
	next, reason := step(mean, errorRate, current, min, max)
	return TuneStep{
		Service: service, Samples: len(samples), AvgMs: mean, ErrorRate: errorRate,
		Before: current, After: next, Reason: reason, At: now,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
