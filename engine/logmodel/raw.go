package logmodel

import "time"

// RawLogRecord is the page-output of the Extractor. It captures every field
// a source table might carry; fields the source schema lacks are left zero.
type RawLogRecord struct {
	// Stream provenance, stamped by the Extractor.
	StreamID      string
	SourceDataset string
	SourceTable   string

	// Core fields.
	Timestamp      *time.Time
	ReceiveTimestamp *time.Time
	Severity       string
	LogName        string
	InsertID       string

	// Resource.
	ResourceType   string
	ResourceLabels map[string]string

	// Payload variants — exactly one is normally populated.
	TextPayload  string
	JSONPayload  map[string]any
	ProtoPayload map[string]any
	AuditPayload map[string]any

	// HTTP request context.
	HTTPRequest map[string]any

	// Trace/span context.
	Trace         string
	SpanID        string
	TraceSampled  *bool

	// Operation context.
	Operation map[string]any

	// Source code location.
	SourceLocation map[string]any

	// Labels (non resource-specific).
	Labels map[string]string
}

// ColumnCatalog enumerates the known log columns the Extractor may project,
// grouped the way the warehouse schema groups them. Extract selects only the
// columns present on the target table's schema.
var ColumnCatalog = struct {
	Core     []string
	Payloads []string
	Context  []string
}{
	Core: []string{
		"timestamp", "receiveTimestamp", "severity", "logName", "insertId",
		"resource",
	},
	Payloads: []string{
		"textPayload", "jsonPayload", "protoPayload", "audit",
	},
	Context: []string{
		"httpRequest", "trace", "spanId", "traceSampled", "operation",
		"sourceLocation", "labels",
	},
}
