// Package embed implements the Embedding Worker (C12): the canonical
// full-trace-text builder, its chunker, and the single-threaded cooperative
// dequeue/embed/upsert loop. Two overlapping trace-text builders existed in
// the system this was distilled from; only the one described in §4.12 is
// implemented here.
package embed

import (
	"fmt"
	"strings"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

// Byte budgets for each section of the full trace text (§4.12 step 2).
const (
	maxMessageSection = 4 * 1024
	maxJSONSection    = 2 * 1024
	maxProtoSection   = 1 * 1024
	maxFullTraceText  = logmodel.MaxEmbedTextBytes

	maxLabelsInText         = 5
	maxResourceLabelsInText = 3
)

// BuildFullTraceText renders the single canonical embedding input for one
// canonical log: a bounded, joined string starting with "[ts] [severity]
// [service]", then message/json/proto payloads, trace/span, an HTTP
// summary line, a source-location line, up to 5 labels, and the resource
// plus up to 3 of its labels — truncated to an 8 KB final cap (§4.12).
func BuildFullTraceText(l logmodel.CanonicalLog) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] [%s] [%s]", l.EventTimestamp.UTC().Format("2006-01-02T15:04:05Z"), l.Severity, serviceOrUnknown(l.ServiceName))

	if l.Message != "" {
		b.WriteString(" ")
		b.WriteString(truncate(l.Message, maxMessageSection))
	}
	if l.JSONPayload != "" {
		b.WriteString(" ")
		b.WriteString(truncate(l.JSONPayload, maxJSONSection))
	}
	if l.ProtoPayload != "" {
		b.WriteString(" ")
		b.WriteString(truncate(l.ProtoPayload, maxProtoSection))
	}
	if l.Trace != nil && (l.Trace.TraceID != "" || l.Trace.SpanID != "") {
		fmt.Fprintf(&b, " trace=%s span=%s", l.Trace.TraceID, l.Trace.SpanID)
	}
	if l.HTTP != nil {
		fmt.Fprintf(&b, " http=%s %s status=%d latency_ms=%.1f", l.HTTP.Method, l.HTTP.URL, l.HTTP.Status, l.HTTP.LatencyMs)
	}
	if l.SourceLocation != nil && l.SourceLocation.File != "" {
		fmt.Fprintf(&b, " source=%s:%d %s", l.SourceLocation.File, l.SourceLocation.Line, l.SourceLocation.Function)
	}
	writeLabels(&b, l.Labels, maxLabelsInText)
	if l.Resource.Type != "" || l.Resource.Name != "" {
		fmt.Fprintf(&b, " resource=%s/%s", l.Resource.Type, l.Resource.Name)
		writeLabels(&b, l.Resource.Labels, maxResourceLabelsInText)
	}

	return truncate(b.String(), maxFullTraceText)
}

func serviceOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func writeLabels(b *strings.Builder, labels map[string]string, max int) {
	if len(labels) == 0 {
		return
	}
	n := 0
	for k, v := range labels {
		if n >= max {
			break
		}
		fmt.Fprintf(b, " %s=%s", k, v)
		n++
	}
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

// chunkSize is the per-chunk byte budget; most full trace texts fit in one
// chunk since BuildFullTraceText already caps at maxFullTraceText, but a
// generic chunker keeps ChunkIndex/ChunkCount meaningful if that cap
// changes.
const chunkSize = 4 * 1024

// ChunkText splits text into ordered chunks of at most chunkSize bytes.
// Empty text yields a single empty chunk, so the chunk count is never zero.
func ChunkText(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		end := chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
