package logmodel

import "time"

// Severity is one of the nine GCP-style severity names.
type Severity string

const (
	SeverityDefault   Severity = "DEFAULT"
	SeverityDebug     Severity = "DEBUG"
	SeverityInfo      Severity = "INFO"
	SeverityNotice    Severity = "NOTICE"
	SeverityWarning   Severity = "WARNING"
	SeverityError     Severity = "ERROR"
	SeverityCritical  Severity = "CRITICAL"
	SeverityAlert     Severity = "ALERT"
	SeverityEmergency Severity = "EMERGENCY"
)

// SeverityLevels maps each severity name to its numeric level. A record is
// an error iff its level is >= 500 (ERROR).
var SeverityLevels = map[Severity]int{
	SeverityDefault:   0,
	SeverityDebug:     100,
	SeverityInfo:      200,
	SeverityNotice:    300,
	SeverityWarning:   400,
	SeverityError:     500,
	SeverityCritical:  600,
	SeverityAlert:     700,
	SeverityEmergency: 800,
}

// ErrorLevelThreshold is the severity_level at and above which is_error holds.
const ErrorLevelThreshold = 500

// LevelFor returns the numeric severity level for a severity name, defaulting
// to DEFAULT (0) for unrecognized input.
func LevelFor(sev Severity) int {
	if lvl, ok := SeverityLevels[sev]; ok {
		return lvl
	}
	return 0
}

// LogType classifies the broad category of a canonical log.
type LogType string

const (
	LogTypeApplication LogType = "application"
	LogTypeSystem      LogType = "system"
	LogTypeAudit       LogType = "audit"
	LogTypeRequest     LogType = "request"
	LogTypeBuild       LogType = "build"
	LogTypeError       LogType = "error"
)

// PIIRisk classifies the sensitivity of a record's free text content.
type PIIRisk string

const (
	PIIRiskNone     PIIRisk = "none"
	PIIRiskLow      PIIRisk = "low"
	PIIRiskModerate PIIRisk = "moderate"
	PIIRiskHigh     PIIRisk = "high"
)

// RetentionClass governs how long a record is kept.
type RetentionClass string

const (
	RetentionStandard RetentionClass = "standard"
	RetentionAudit    RetentionClass = "audit"
)

// SchemaVersion is written on every canonical record; readers tolerate older
// minors.
const SchemaVersion = "1.0.0"

// Size bounds enforced by the Normalizer and Loader (§3 invariants).
const (
	MaxMessageBytes        = 10 * 1024
	MaxPayloadBytes        = 10 * 1024
	MaxStackTraceBytes     = 5 * 1024
	MaxMessageSummaryChars = 200
	MaxEmbedTextBytes      = 8 * 1024
)

// Resource is the projected resource facet.
type Resource struct {
	Type     string            `json:"type,omitempty"`
	Project  string            `json:"project,omitempty"`
	Name     string            `json:"name,omitempty"`
	Location string            `json:"location,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// HTTPFacet captures normalized HTTP request/response fields.
type HTTPFacet struct {
	Method        string  `json:"method,omitempty"`
	URL           string  `json:"url,omitempty"`
	Status        int     `json:"status,omitempty"`
	LatencyMs     float64 `json:"latency_ms,omitempty"`
	UserAgent     string  `json:"user_agent,omitempty"`
	RemoteIP      string  `json:"remote_ip,omitempty"`
	RequestSize   int64   `json:"request_size,omitempty"`
	ResponseSize  int64   `json:"response_size,omitempty"`
}

// TraceFacet captures normalized trace/span context.
type TraceFacet struct {
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	Sampled      bool   `json:"sampled,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// OperationFacet captures the GCP-style long-running-operation markers.
type OperationFacet struct {
	ID       string `json:"id,omitempty"`
	Producer string `json:"producer,omitempty"`
	First    bool   `json:"first,omitempty"`
	Last     bool   `json:"last,omitempty"`
}

// SourceLocationFacet captures where in source code a log originated.
type SourceLocationFacet struct {
	File     string `json:"file,omitempty"`
	Line     int64  `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// PrincipalFacet captures the audit-log actor.
type PrincipalFacet struct {
	Email          string `json:"email,omitempty"`
	Subject        string `json:"subject,omitempty"`
	CallerIP       string `json:"caller_ip,omitempty"`
	CallerNetwork  string `json:"caller_network,omitempty"`
}

// ErrorFacet captures extracted error context.
type ErrorFacet struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
}

// Envelope is the cross-cutting facet every canonical record carries.
type Envelope struct {
	SchemaVersion  string         `json:"schema_version"`
	Environment    string         `json:"environment,omitempty"`
	CorrelationIDs map[string]string `json:"correlation_ids,omitempty"`
	PIIRisk        PIIRisk        `json:"pii_risk"`
	RedactionState string         `json:"redaction_state"`
	RetentionClass RetentionClass `json:"retention_class"`
}

// CanonicalLog is the master schema the Loader writes.
type CanonicalLog struct {
	LogID           string    `json:"log_id"`
	InsertID        string    `json:"insert_id,omitempty"`
	EventTimestamp  time.Time `json:"event_timestamp"`
	IngestTimestamp time.Time `json:"ingest_timestamp"`

	Severity      Severity `json:"severity"`
	SeverityLevel int      `json:"severity_level"`
	LogType       LogType  `json:"log_type"`

	SourceDataset string `json:"source_dataset"`
	SourceTable   string `json:"source_table"`
	StreamID      string `json:"stream_id"`
	ServiceName   string `json:"service_name,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`

	Resource Resource `json:"resource,omitempty"`

	Message        string `json:"message"`
	TextPayload    string `json:"text_payload,omitempty"`
	JSONPayload    string `json:"json_payload,omitempty"` // serialized, truncated
	ProtoPayload   string `json:"proto_payload,omitempty"`
	AuditPayload   string `json:"audit_payload,omitempty"`

	HTTP           *HTTPFacet           `json:"http,omitempty"`
	Trace          *TraceFacet          `json:"trace,omitempty"`
	Operation      *OperationFacet      `json:"operation,omitempty"`
	SourceLocation *SourceLocationFacet `json:"source_location,omitempty"`
	Principal      *PrincipalFacet      `json:"principal,omitempty"`
	Error          *ErrorFacet          `json:"error,omitempty"`

	Envelope Envelope `json:"envelope"`

	MessageSummary  string `json:"message_summary,omitempty"`
	MessageCategory string `json:"message_category,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`

	// Derived flags.
	IsError   bool `json:"is_error"`
	IsAudit   bool `json:"is_audit"`
	IsRequest bool `json:"is_request"`
	HasTrace  bool `json:"has_trace"`
}

// LogDate returns the date(event_timestamp) partition key.
func (c CanonicalLog) LogDate() string {
	return c.EventTimestamp.UTC().Format("2006-01-02")
}

// ClusterKey returns the "<severity>:<service_name>" cluster key.
func (c CanonicalLog) ClusterKey() string {
	svc := c.ServiceName
	if svc == "" {
		svc = "unknown"
	}
	return string(c.Severity) + ":" + svc
}

// DedupKey returns the id the Loader uses to de-dup on re-ingest: the
// source-provided insert_id when present, else log_id.
func (c CanonicalLog) DedupKey() string {
	if c.InsertID != "" {
		return c.InsertID
	}
	return c.LogID
}
