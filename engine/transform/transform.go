// Package transform implements the Transformer (C4): heuristic enrichment
// of canonical logs, with an optional LLM-assisted category pass for rows
// the heuristic could not confidently classify.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/fn"
)

// weakCategories are the heuristic outputs treated as low-confidence; a
// row landing in one of these is eligible for LLM-assisted re-categorization.
var weakCategories = map[string]bool{
	"info":  true,
	"other": true,
}

// allowedLLMCategories is the fixed set an LLM response may fall back into.
var allowedLLMCategories = map[string]bool{
	"authentication": true, "authorization": true, "data_access": true,
	"deployment": true, "error": true, "performance": true, "security": true,
	"system": true, "application": true, "network": true, "configuration": true,
	"other": true,
}

const llmSubBatchSize = 10

// Classifier generates category overrides for a sub-batch of messages. The
// response must be "<index>. <category>" lines, one per input message.
type Classifier interface {
	Classify(ctx context.Context, messages []string) (string, error)
}

// Transformer enriches normalized records. With no Classifier configured it
// runs the heuristic path only.
type Transformer struct {
	Classifier Classifier
	Logger     *slog.Logger
}

// New constructs a heuristic-only Transformer.
func New() *Transformer {
	return &Transformer{Logger: slog.Default()}
}

// WithClassifier enables the LLM-assisted path for weak categories.
func (t *Transformer) WithClassifier(c Classifier) *Transformer {
	t.Classifier = c
	return t
}

// Stage adapts Transform as a pkg/fn pipeline stage over a batch of logs.
func (t *Transformer) Stage() fn.Stage[[]logmodel.CanonicalLog, []logmodel.CanonicalLog] {
	return func(ctx context.Context, logs []logmodel.CanonicalLog) fn.Result[[]logmodel.CanonicalLog] {
		out, err := t.Transform(ctx, logs)
		if err != nil {
			return fn.Err[[]logmodel.CanonicalLog](err)
		}
		return fn.Ok(out)
	}
}

// Transform applies the heuristic pass to every row, then (if a Classifier
// is configured) re-categorizes weak rows in sub-batches of at most 10.
func (t *Transformer) Transform(ctx context.Context, logs []logmodel.CanonicalLog) ([]logmodel.CanonicalLog, error) {
	for i := range logs {
		logs[i].MessageSummary = summarize(logs[i].Message)
	}

	if t.Classifier == nil {
		return logs, nil
	}

	var weakIdx []int
	for i, l := range logs {
		if weakCategories[l.MessageCategory] {
			weakIdx = append(weakIdx, i)
		}
	}
	for _, sub := range fn.Chunk(weakIdx, llmSubBatchSize) {
		messages := make([]string, len(sub))
		for j, idx := range sub {
			messages[j] = logs[idx].Message
		}
		if err := t.applyLLM(ctx, logs, sub, messages); err != nil {
			t.logger().Warn("llm enrichment failed, keeping heuristic category", "error", err)
		}
	}
	return logs, nil
}

func (t *Transformer) applyLLM(ctx context.Context, logs []logmodel.CanonicalLog, idx []int, messages []string) error {
	resp, err := t.Classifier.Classify(ctx, messages)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	overrides := parseClassifierResponse(resp, len(messages))
	for j, cat := range overrides {
		if cat == "" || !allowedLLMCategories[cat] {
			continue
		}
		logs[idx[j]].MessageCategory = cat
	}
	return nil
}

// parseClassifierResponse parses "<index>. <category>" lines into a slice
// aligned with the sub-batch order; entries with no matching line are "".
func parseClassifierResponse(resp string, n int) []string {
	out := make([]string, n)
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dot := strings.Index(line, ".")
		if dot < 0 {
			continue
		}
		idxStr := strings.TrimSpace(line[:dot])
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= n {
			continue
		}
		cat := strings.ToLower(strings.TrimSpace(line[dot+1:]))
		out[idx] = cat
	}
	return out
}

func summarize(message string) string {
	runes := []rune(message)
	if len(runes) <= logmodel.MaxMessageSummaryChars {
		return message
	}
	return string(runes[:logmodel.MaxMessageSummaryChars]) + "…"
}

func (t *Transformer) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
