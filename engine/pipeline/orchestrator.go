// Package pipeline implements the Pipeline Orchestrator (C6) and the Job
// Store (C7). The orchestrator drives Extract -> Normalize -> Transform ->
// Load per stream, advancing checkpoints after every page and tolerating
// partial failures; the Job Store answers the bookkeeping queries an
// operator needs over the shared etl_jobs table (§4.6, §4.7).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlog/logpipe/engine/extract"
	"github.com/lumenlog/logpipe/engine/load"
	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/engine/normalize"
	"github.com/lumenlog/logpipe/engine/stream"
	"github.com/lumenlog/logpipe/engine/transform"
	"github.com/lumenlog/logpipe/pkg/fn"
	"github.com/lumenlog/logpipe/pkg/resilience"
)

// Config configures one orchestrator pass (§4.6).
type Config struct {
	BatchSize              int64
	MaxBatchesPerStream    int
	HoursLookback          int
	EnableAIEnrichment     bool
	LoadBatchSize          int
	ParallelStreams        int
	ContinueOnError        bool
	CleanupSourceAfterDays int
}

// DefaultConfig matches the component design's stated defaults.
var DefaultConfig = Config{
	BatchSize:       1000,
	LoadBatchSize:   500,
	ParallelStreams: 1,
	ContinueOnError: true,
}

// ProgressFunc is an optional per-page progress callback (§4.6).
type ProgressFunc func(streamID string, counts logmodel.StreamCounts)

// Orchestrator wires the five ETL components together per stream.
type Orchestrator struct {
	Registry    *stream.Registry
	Extractor   *extract.Extractor
	Normalizer  *normalize.Normalizer
	Transformer *transform.Transformer
	Loader      *load.Loader
	Logger      *slog.Logger

	// ExtractLimiter, if set, paces extraction calls against the source
	// store; a page wait blocks the stream's own goroutine, not its peers.
	ExtractLimiter *resilience.Limiter
	// LoadBreaker, if set, trips after repeated warehouse write failures so
	// a struggling stream backs off instead of hammering the sink.
	LoadBreaker *resilience.Breaker

	Progress ProgressFunc
}

// New constructs an Orchestrator over the five pipeline components.
func New(reg *stream.Registry, ext *extract.Extractor, norm *normalize.Normalizer, tr *transform.Transformer, ld *load.Loader) *Orchestrator {
	return &Orchestrator{
		Registry:    reg,
		Extractor:   ext,
		Normalizer:  norm,
		Transformer: tr,
		Loader:      ld,
		Logger:      slog.Default(),
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run drives the pipeline over the given streams. Streams run with at most
// cfg.ParallelStreams concurrent workers; each stream has exactly one
// writer advancing its own checkpoint, so no cross-stream synchronization
// is needed beyond collecting results (§5).
func (o *Orchestrator) Run(ctx context.Context, cfg Config, streams []logmodel.Stream) (logmodel.PipelineRun, error) {
	run := logmodel.PipelineRun{
		RunID:         uuid.NewString(),
		StartedAt:     time.Now().UTC(),
		Status:        logmodel.RunStatusRunning,
		StreamResults: make(map[string]logmodel.StreamCounts, len(streams)),
	}

	parallel := cfg.ParallelStreams
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var bail error

	for _, s := range streams {
		s := s
		mu.Lock()
		stop := bail != nil && !cfg.ContinueOnError
		mu.Unlock()
		if stop {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			counts, jobs, err := o.runStream(ctx, cfg, s)

			mu.Lock()
			defer mu.Unlock()
			run.StreamsRun = append(run.StreamsRun, s.StreamID)
			run.StreamResults[s.StreamID] = counts
			run.Jobs = append(run.Jobs, jobs...)
			run.TotalRead += counts.Extracted
			run.TotalWritten += counts.Loaded
			run.TotalFailed += counts.Failed
			if err != nil {
				run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", s.StreamID, err))
				if bail == nil {
					bail = err
				}
			}
		}()
	}
	wg.Wait()

	run.FinishedAt = time.Now().UTC()
	switch {
	case bail != nil && !cfg.ContinueOnError:
		run.Status = logmodel.RunStatusFailed
	case len(run.Errors) > 0:
		run.Status = logmodel.RunStatusPartial
	default:
		run.Status = logmodel.RunStatusCompleted
	}

	if bail != nil && !cfg.ContinueOnError {
		return run, fmt.Errorf("pipeline: run %s: %w", run.RunID, bail)
	}
	return run, nil
}

// runStream drains one stream page by page, normalizing/transforming/
// loading each page and advancing the checkpoint after every page (§4.6),
// including a page whose load failed under ContinueOnError. An extract
// error ends this stream. A load error ends this stream unless
// ContinueOnError is set; then the stream goes on and the first load error
// is returned at the end so the run records it.
//
// The per-page work is composed as pkg/fn stages so each phase gets its own
// traced span: extract -> (normalize -> transform) -> load. Extraction
// optionally runs behind a rate limiter and load optionally runs behind a
// circuit breaker, both via the generic fn.Stage wrappers in pkg/resilience.
func (o *Orchestrator) runStream(ctx context.Context, cfg Config, s logmodel.Stream) (logmodel.StreamCounts, []logmodel.Job, error) {
	var counts logmodel.StreamCounts
	var jobs []logmodel.Job
	var loadErr error

	offset := s.LastSyncOffset
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig.BatchSize
	}

	extractStage := fn.Stage[int64, extract.Page](func(ctx context.Context, off int64) fn.Result[extract.Page] {
		page, err := o.Extractor.Extract(ctx, s, off, batchSize, cfg.HoursLookback)
		if err != nil {
			return fn.Err[extract.Page](err)
		}
		return fn.Ok(page)
	})
	if o.ExtractLimiter != nil {
		extractStage = resilience.LimiterStageWait(o.ExtractLimiter, extractStage)
	}
	extractStage = fn.TracedStage("pipeline.extract", extractStage)

	enrichStage := fn.Then(
		fn.TracedStage("pipeline.normalize", o.normalizeStage()),
		fn.TracedStage("pipeline.transform", o.Transformer.Stage()),
	)

	loadStage := fn.Stage[[]logmodel.CanonicalLog, load.Result](func(ctx context.Context, canonical []logmodel.CanonicalLog) fn.Result[load.Result] {
		result, err := o.Loader.LoadBatch(ctx, canonical, s.StreamID, cfg.LoadBatchSize)
		if err != nil {
			return fn.Errf[load.Result]("load: %w", err)
		}
		return fn.Ok(result)
	})
	if o.LoadBreaker != nil {
		loadStage = resilience.BreakerStage(o.LoadBreaker, loadStage)
	}
	loadStage = fn.TracedStage("pipeline.load", loadStage)

	for batch := 0; cfg.MaxBatchesPerStream == 0 || batch < cfg.MaxBatchesPerStream; batch++ {
		page, err := extractStage(ctx, offset).Unwrap()
		if err != nil {
			o.logger().Error("extract failed, ending stream", "stream", s.StreamID, "error", err)
			return counts, jobs, fmt.Errorf("extract: %w", err)
		}
		if len(page.Records) == 0 {
			break
		}
		counts.Extracted += int64(len(page.Records))

		canonical, err := enrichStage(ctx, page.Records).Unwrap()
		if err != nil {
			// Transform never actually fails the heuristic pass (LLM errors are
			// swallowed internally), so this only fires if that changes; fall
			// through with an empty page rather than stalling the stream on the
			// same offset forever.
			o.logger().Warn("enrich failed, loading page as empty", "stream", s.StreamID, "error", err)
			canonical = nil
		}
		counts.Normalized += int64(len(canonical))
		counts.Transformed += int64(len(canonical))

		result, err := loadStage(ctx, canonical).Unwrap()
		if err != nil {
			if !cfg.ContinueOnError {
				return counts, jobs, err
			}
			o.logger().Error("load failed, continuing on error", "stream", s.StreamID, "error", err)
			if loadErr == nil {
				loadErr = err
			}
		} else {
			jobs = append(jobs, result.Job)
			counts.Loaded += result.Loaded
			counts.Failed += result.Failed
		}

		offset += int64(len(page.Records))
		if err := o.Registry.UpdateSync(ctx, s.StreamID, offset, int64(len(page.Records))); err != nil {
			o.logger().Error("checkpoint update failed", "stream", s.StreamID, "error", err)
		}

		if o.Progress != nil {
			o.Progress(s.StreamID, counts)
		}

		if page.Short {
			break
		}
	}

	return counts, jobs, loadErr
}

// normalizeStage adapts the Normalizer as a pkg/fn pipeline stage.
func (o *Orchestrator) normalizeStage() fn.Stage[[]logmodel.RawLogRecord, []logmodel.CanonicalLog] {
	return func(ctx context.Context, records []logmodel.RawLogRecord) fn.Result[[]logmodel.CanonicalLog] {
		canonical := make([]logmodel.CanonicalLog, len(records))
		for i, r := range records {
			canonical[i] = o.Normalizer.Normalize(r)
		}
		return fn.Ok(canonical)
	}
}

// RunIncremental runs every enabled stream with a time-windowed extraction
// over the last `hours` hours (§4.6 convenience mode).
func (o *Orchestrator) RunIncremental(ctx context.Context, cfg Config, hours int) (logmodel.PipelineRun, error) {
	cfg.HoursLookback = hours
	streams, err := o.Registry.List(ctx, true)
	if err != nil {
		return logmodel.PipelineRun{}, fmt.Errorf("pipeline: list streams: %w", err)
	}
	return o.Run(ctx, cfg, streams)
}

// RunSingleStream runs exactly one stream by id (§4.6 convenience mode).
func (o *Orchestrator) RunSingleStream(ctx context.Context, cfg Config, streamID string) (logmodel.PipelineRun, error) {
	s, err := o.Registry.Get(ctx, streamID)
	if err != nil {
		return logmodel.PipelineRun{}, fmt.Errorf("pipeline: get stream %s: %w", streamID, err)
	}
	return o.Run(ctx, cfg, []logmodel.Stream{s})
}

// RunFull runs every enabled stream with no time window (§6.6 job_type=full).
func (o *Orchestrator) RunFull(ctx context.Context, cfg Config) (logmodel.PipelineRun, error) {
	streams, err := o.Registry.List(ctx, true)
	if err != nil {
		return logmodel.PipelineRun{}, fmt.Errorf("pipeline: list streams: %w", err)
	}
	return o.Run(ctx, cfg, streams)
}
