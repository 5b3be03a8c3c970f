package normalize

import (
	"testing"
	"time"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

func TestNormalizeSeverityOverrideFromJSON(t *testing.T) {
	n := New()
	ts := time.Now()
	r := logmodel.RawLogRecord{
		Timestamp: &ts,
		Severity:  "INFO",
		JSONPayload: map[string]any{
			"level":   "ERROR",
			"message": "boom",
		},
	}
	c := n.Normalize(r)
	if c.Severity != logmodel.SeverityError {
		t.Fatalf("severity = %s, want ERROR", c.Severity)
	}
	if c.SeverityLevel != 500 {
		t.Fatalf("severity_level = %d, want 500", c.SeverityLevel)
	}
	if !c.IsError {
		t.Fatal("is_error = false, want true")
	}
	if c.Message != "boom" {
		t.Fatalf("message = %q, want %q", c.Message, "boom")
	}
}

func TestNormalizeHTTPLatencyParse(t *testing.T) {
	n := New()
	r := logmodel.RawLogRecord{
		HTTPRequest: map[string]any{"latency": "0.250s"},
	}
	c := n.Normalize(r)
	if c.HTTP == nil {
		t.Fatal("http facet is nil")
	}
	if c.HTTP.LatencyMs != 250.0 {
		t.Fatalf("http_latency_ms = %v, want 250.0", c.HTTP.LatencyMs)
	}
}

func TestNormalizeTracePathStrip(t *testing.T) {
	n := New()
	r := logmodel.RawLogRecord{Trace: "projects/p/traces/abc123"}
	c := n.Normalize(r)
	if c.Trace == nil || c.Trace.TraceID != "abc123" {
		t.Fatalf("trace_id = %+v, want abc123", c.Trace)
	}
	if !c.HasTrace {
		t.Fatal("has_trace = false, want true")
	}
}

func TestNormalizePIIHigh(t *testing.T) {
	n := New()
	r := logmodel.RawLogRecord{TextPayload: "password: hunter2"}
	c := n.Normalize(r)
	if c.Envelope.PIIRisk != logmodel.PIIRiskHigh {
		t.Fatalf("pii_risk = %s, want high", c.Envelope.PIIRisk)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	n := New()
	ts := time.Now()
	r := logmodel.RawLogRecord{
		Timestamp:   &ts,
		Severity:    "WARNING",
		TextPayload: "disk usage high",
		SourceTable: "app_logs",
	}
	a := n.Normalize(r)
	b := n.Normalize(r)
	if a.Message != b.Message || a.Severity != b.Severity || a.SeverityLevel != b.SeverityLevel ||
		a.MessageCategory != b.MessageCategory || a.MessageSummary != b.MessageSummary ||
		a.Envelope.PIIRisk != b.Envelope.PIIRisk {
		t.Fatalf("normalize not deterministic:\na=%+v\nb=%+v", a, b)
	}
}

func TestNormalizeMissingOptionalColumns(t *testing.T) {
	n := New()
	c := n.Normalize(logmodel.RawLogRecord{})
	if c.HTTP != nil || c.Trace != nil || c.Operation != nil {
		t.Fatalf("expected nil optional facets for empty record, got %+v", c)
	}
	if c.Severity != logmodel.SeverityDefault {
		t.Fatalf("severity = %s, want DEFAULT", c.Severity)
	}
}

func TestAuditDerivedFlags(t *testing.T) {
	n := New()
	r := logmodel.RawLogRecord{
		SourceTable: "audit_admin_activity",
		AuditPayload: map[string]any{
			"serviceName": "compute.googleapis.com",
			"methodName":  "v1.instances.delete",
			"authenticationInfo": map[string]any{
				"principalEmail": "ops@example.com",
			},
		},
	}
	c := n.Normalize(r)
	if !c.IsAudit {
		t.Fatal("is_audit = false, want true")
	}
	if c.Envelope.RetentionClass != logmodel.RetentionAudit {
		t.Fatalf("retention_class = %s, want audit", c.Envelope.RetentionClass)
	}
	if c.Principal == nil || c.Principal.Email != "ops@example.com" {
		t.Fatalf("principal = %+v, want email ops@example.com", c.Principal)
	}
}

func TestCategorizeByMessageKeywordNotSeverity(t *testing.T) {
	n := New()
	r := logmodel.RawLogRecord{
		Severity:    "INFO",
		TextPayload: "warning: retrying connection",
	}
	c := n.Normalize(r)
	if c.Severity != logmodel.SeverityInfo {
		t.Fatalf("severity = %s, want INFO", c.Severity)
	}
	if c.MessageCategory != "warning" {
		t.Fatalf("message_category = %q, want %q for an INFO-severity log whose message reads %q",
			c.MessageCategory, "warning", c.TextPayload)
	}
}

func TestCategorizeDebugKeyword(t *testing.T) {
	n := New()
	c := n.Normalize(logmodel.RawLogRecord{Severity: "ERROR", TextPayload: "verbose trace output enabled"})
	// is_error from severity still wins over the message keyword, matching
	// the fixed precedence order (audit, error, request, then keywords).
	if c.MessageCategory != "error" {
		t.Fatalf("message_category = %q, want %q (error takes precedence over message keywords)", c.MessageCategory, "error")
	}

	c = n.Normalize(logmodel.RawLogRecord{Severity: "INFO", TextPayload: "enabling verbose trace output"})
	if c.MessageCategory != "debug" {
		t.Fatalf("message_category = %q, want %q", c.MessageCategory, "debug")
	}
}

func TestCategorizeMetricKeyword(t *testing.T) {
	n := New()
	c := n.Normalize(logmodel.RawLogRecord{Severity: "INFO", TextPayload: "gauge cpu_usage reported"})
	if c.MessageCategory != "metric" {
		t.Fatalf("message_category = %q, want %q", c.MessageCategory, "metric")
	}
}

func TestMessageSummaryTruncation(t *testing.T) {
	n := New()
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	c := n.Normalize(logmodel.RawLogRecord{TextPayload: string(long)})
	if len(c.MessageSummary) > logmodel.MaxMessageSummaryChars+len("…") {
		t.Fatalf("message_summary too long: %d runes", len([]rune(c.MessageSummary)))
	}
}
