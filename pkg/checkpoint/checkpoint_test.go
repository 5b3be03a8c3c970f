package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestAdvance_Monotonic(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cp, err := r.Advance(ctx, "ds.tbl", 100, 100)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cp.Offset != 100 || cp.Total != 100 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	// A lower offset must never move the checkpoint backward.
	cp, err = r.Advance(ctx, "ds.tbl", 50, 10)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cp.Offset != 100 {
		t.Fatalf("expected offset to stay at 100, got %d", cp.Offset)
	}
	if cp.Total != 110 {
		t.Fatalf("expected additive total 110, got %d", cp.Total)
	}

	cp, err = r.Advance(ctx, "ds.tbl", 200, 50)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cp.Offset != 200 || cp.Total != 160 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestGlobal_RecomputesFromPerTable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Advance(ctx, "a.t1", 10, 10); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	if _, err := r.Advance(ctx, "a.t2", 20, 20); err != nil {
		t.Fatalf("advance b: %v", err)
	}

	g, err := r.Global(ctx, []string{"a.t1", "a.t2", "a.t3"})
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if g.TotalEmbedded != 30 {
		t.Fatalf("expected total 30, got %d", g.TotalEmbedded)
	}
	if g.TablesCompleted != 2 {
		t.Fatalf("expected 2 tables completed, got %d", g.TablesCompleted)
	}
}

func TestRecordLatencyAndErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.RecordLatency("ollama", 250*time.Millisecond)
	}
	r.RecordError("ollama")

	samples, errCount, err := r.Samples(ctx, "ollama")
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(samples))
	}
	if errCount != 1 {
		t.Fatalf("expected 1 error, got %d", errCount)
	}
}

func TestRecordLatency_TrimsToMaxSamples(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < MaxSamples+20; i++ {
		r.RecordLatency("qdrant", time.Millisecond)
	}
	samples, _, err := r.Samples(ctx, "qdrant")
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != MaxSamples {
		t.Fatalf("expected %d samples, got %d", MaxSamples, len(samples))
	}
}

func TestGetBatchSizes_DefaultsWhenUnset(t *testing.T) {
	r := newTestRegistry(t)
	b, err := r.GetBatchSizes(context.Background())
	if err != nil {
		t.Fatalf("get batch sizes: %v", err)
	}
	if b.Embed != EmbedBatchDefault || b.Upsert != UpsertBatchDefault {
		t.Fatalf("unexpected defaults: %+v", b)
	}
}

func TestTune_InsufficientSamplesHolds(t *testing.T) {
	r := newTestRegistry(t)
	steps, err := r.Tune(context.Background())
	if err != nil {
		t.Fatalf("tune: %v", err)
	}
	for _, s := range steps {
		if s.Before != s.After {
			t.Fatalf("expected hold with no samples, got %+v", s)
		}
	}
}

func TestTune_HighErrorRateScalesDown(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.RecordLatency("ollama", 100*time.Millisecond)
	}
	for i := 0; i < 3; i++ { // 30% error rate > 5% threshold
		r.RecordError("ollama")
	}

	steps, err := r.Tune(ctx)
	if err != nil {
		t.Fatalf("tune: %v", err)
	}
	var embedStep TuneStep
	for _, s := range steps {
		if s.Service == "ollama" {
			embedStep = s
		}
	}
	want := scale(EmbedBatchDefault, 0.7, EmbedBatchMin, EmbedBatchMax)
	if embedStep.After != want {
		t.Fatalf("expected scaled-down size %d, got %d", want, embedStep.After)
	}
}

func TestTune_HighLatencyScalesDown(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.RecordLatency("ollama", 2500*time.Millisecond)
	}

	steps, err := r.Tune(ctx)
	if err != nil {
		t.Fatalf("tune: %v", err)
	}
	var embedStep TuneStep
	for _, s := range steps {
		if s.Service == "ollama" {
			embedStep = s
		}
	}
	// Scenario 5: 20 * 0.7 rounds to 14.
	if got := scale(20, 0.7, EmbedBatchMin, EmbedBatchMax); got != 14 {
		t.Fatalf("sanity check failed, scale(20,0.7)=%d", got)
	}
	if embedStep.After >= EmbedBatchDefault {
		t.Fatalf("expected batch size to shrink, got %d", embedStep.After)
	}
}

func TestTune_ClampsToRange(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		r.RecordLatency("ollama", 50*time.Millisecond) // fast, healthy -> scale up repeatedly
	}
	for i := 0; i < 50; i++ {
		if _, err := r.Tune(ctx); err != nil {
			t.Fatalf("tune: %v", err)
		}
	}
	b, err := r.GetBatchSizes(ctx)
	if err != nil {
		t.Fatalf("get batch sizes: %v", err)
	}
	if b.Embed > EmbedBatchMax || b.Embed < EmbedBatchMin {
		t.Fatalf("embed batch size out of range: %d", b.Embed)
	}
}
