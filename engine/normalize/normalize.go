// Package normalize implements the pure RawLogRecord → CanonicalLog mapping.
// LogID is a fresh random UUID on every call, so it differs between two
// normalizations of the same record; apart from LogID and the fields the
// Loader stamps later, the same input always produces byte-equal output.
package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/pii"
)

var (
	latencyRe    = regexp.MustCompile(`^([0-9.]+)s$`)
	tracePathRe  = regexp.MustCompile(`^projects/[^/]+/traces/([^/]+)$`)
	errColonRe   = regexp.MustCompile(`(?i)error[:\s]+(.+)`)
	exceptionRe  = regexp.MustCompile(`(?i)exception[:\s]+(.+)`)
	failedRe     = regexp.MustCompile(`(?i)failed[:\s]+(.+)`)
	tracebackRe  = regexp.MustCompile(`(?i)Traceback|^\s*at `)
	envSuffixRe  = regexp.MustCompile(`(?i)-(dev|staging|test)$`)
)

var (
	debugWords   = []string{"debug", "trace", "verbose"}
	warningWords = []string{"warn", "warning"}
)

// Normalizer maps raw records into the canonical schema. It holds no state;
// it exists as a type so callers can compose it as a pipeline stage.
type Normalizer struct{}

// New constructs a Normalizer. There is nothing to configure today; it is a
// type for symmetry with the other pipeline stages and room for future
// per-tenant overrides.
func New() *Normalizer {
	return &Normalizer{}
}

// Normalize converts one raw record into its canonical form, following the
// fixed nine-step order from the component design.
func (n *Normalizer) Normalize(r logmodel.RawLogRecord) logmodel.CanonicalLog {
	c := logmodel.CanonicalLog{
		LogID:         uuid.NewString(),
		InsertID:      r.InsertID,
		SourceDataset: r.SourceDataset,
		SourceTable:   r.SourceTable,
		StreamID:      r.StreamID,
		Envelope: logmodel.Envelope{
			SchemaVersion: logmodel.SchemaVersion,
		},
	}
	if r.Timestamp != nil {
		c.EventTimestamp = r.Timestamp.UTC()
	}

	// Step 1: severity/log_type.
	c.Severity = severityOf(r.Severity)
	c.SeverityLevel = logmodel.LevelFor(c.Severity)
	c.LogType = logTypeFor(r.SourceTable)
	c.IsAudit = strings.Contains(strings.ToLower(r.SourceTable), "audit")
	c.IsRequest = strings.Contains(strings.ToLower(r.SourceTable), "request")
	c.IsError = c.SeverityLevel >= logmodel.ErrorLevelThreshold

	// Step 2: resource projection.
	c.Resource = resourceOf(r)
	c.ServiceName, c.ServiceVersion = serviceOf(r)

	// Step 3: payload union.
	var jsonMessage, jsonError, auditService, auditMethod string
	var principal *logmodel.PrincipalFacet
	var errFacet *logmodel.ErrorFacet
	switch {
	case r.TextPayload != "":
		c.TextPayload = truncate(r.TextPayload, logmodel.MaxPayloadBytes)
	case r.JSONPayload != nil:
		c.JSONPayload = truncate(serializeMap(r.JSONPayload), logmodel.MaxPayloadBytes)
		jsonMessage, _ = stringField(r.JSONPayload, "message")
		jsonError, _ = stringField(r.JSONPayload, "error")
		if lvl, ok := stringField(r.JSONPayload, "level"); ok && lvl != "" {
			c.Severity = severityOf(lvl)
			c.SeverityLevel = logmodel.LevelFor(c.Severity)
			c.IsError = c.SeverityLevel >= logmodel.ErrorLevelThreshold
		}
	case r.ProtoPayload != nil:
		c.ProtoPayload = truncate(serializeMap(r.ProtoPayload), logmodel.MaxPayloadBytes)
		principal, errFacet = auditFieldsOf(r.ProtoPayload)
		auditService, _ = stringField(r.ProtoPayload, "serviceName")
		auditMethod, _ = stringField(r.ProtoPayload, "methodName")
	case r.AuditPayload != nil:
		c.AuditPayload = truncate(serializeMap(r.AuditPayload), logmodel.MaxPayloadBytes)
		principal, errFacet = auditFieldsOf(r.AuditPayload)
		auditService, _ = stringField(r.AuditPayload, "serviceName")
		auditMethod, _ = stringField(r.AuditPayload, "methodName")
	}
	c.Principal = principal
	if errFacet != nil {
		c.Error = errFacet
	}

	// Step 4: HTTP facet.
	c.HTTP = httpFacetOf(r.HTTPRequest)

	// Step 5: trace facet.
	c.Trace = traceFacetOf(r)
	c.HasTrace = c.Trace != nil && c.Trace.TraceID != ""

	// Step 6: error extraction, merged into whatever the payload step found.
	c.Error = mergeErrorFacet(c.Error, c.TextPayload, jsonError)

	// Step 7: unified message.
	c.Message = buildMessage(c, jsonMessage, auditService, auditMethod)

	// Operation/source-location facets pass through as-is.
	c.Operation = operationFacetOf(r.Operation)
	c.SourceLocation = sourceLocationFacetOf(r.SourceLocation)
	c.Labels = r.Labels

	// Step 8: envelope derivation.
	c.Envelope.Environment = environmentOf(r.Labels, c.Resource.Labels, c.ServiceName)
	c.Envelope.PIIRisk = pii.Classify(c.Message, c.TextPayload, c.JSONPayload)
	if c.IsAudit {
		c.Envelope.RetentionClass = logmodel.RetentionAudit
	} else {
		c.Envelope.RetentionClass = logmodel.RetentionStandard
	}
	c.Envelope.CorrelationIDs = correlationIDsOf(r.Labels, r.JSONPayload)

	// Step 9: message metadata.
	c.MessageSummary = summarize(c.Message)
	c.MessageCategory = categorize(c)

	return c
}

func severityOf(s string) logmodel.Severity {
	sev := logmodel.Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := logmodel.SeverityLevels[sev]; ok {
		return sev
	}
	return logmodel.SeverityDefault
}

func logTypeFor(table string) logmodel.LogType {
	t := strings.ToLower(table)
	switch {
	case strings.Contains(t, "audit"):
		return logmodel.LogTypeAudit
	case strings.Contains(t, "request"):
		return logmodel.LogTypeRequest
	case strings.Contains(t, "build"):
		return logmodel.LogTypeBuild
	case strings.Contains(t, "error"):
		return logmodel.LogTypeError
	case strings.Contains(t, "system") || strings.Contains(t, "stdout") || strings.Contains(t, "stderr"):
		return logmodel.LogTypeSystem
	default:
		return logmodel.LogTypeApplication
	}
}

func resourceOf(r logmodel.RawLogRecord) logmodel.Resource {
	res := logmodel.Resource{
		Type:   r.ResourceType,
		Labels: r.ResourceLabels,
	}
	if p, ok := r.ResourceLabels["project_id"]; ok {
		res.Project = p
	}
	for _, key := range []string{"location", "region", "zone"} {
		if v, ok := r.ResourceLabels[key]; ok && v != "" {
			res.Location = v
			break
		}
	}
	return res
}

func serviceOf(r logmodel.RawLogRecord) (name, version string) {
	for _, key := range []string{"service_name", "function_name", "instance_id", "job_name", "cluster_name"} {
		if v, ok := r.ResourceLabels[key]; ok && v != "" {
			name = v
			break
		}
	}
	for _, key := range []string{"revision_name", "version_id"} {
		if v, ok := r.ResourceLabels[key]; ok && v != "" {
			version = v
			break
		}
	}
	return name, version
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func serializeMap(m map[string]any) string {
	var b strings.Builder
	b.WriteString("{")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%q:%v", k, m[k])
	}
	b.WriteString("}")
	return b.String()
}

func auditFieldsOf(m map[string]any) (*logmodel.PrincipalFacet, *logmodel.ErrorFacet) {
	principal := &logmodel.PrincipalFacet{}
	hasPrincipal := false
	if meta, ok := m["requestMetadata"].(map[string]any); ok {
		if v, ok := stringField(meta, "callerIp"); ok {
			principal.CallerIP = v
			hasPrincipal = true
		}
		if v, ok := stringField(meta, "callerNetwork"); ok {
			principal.CallerNetwork = v
			hasPrincipal = true
		}
	}
	if auth, ok := m["authenticationInfo"].(map[string]any); ok {
		if v, ok := stringField(auth, "principalEmail"); ok {
			principal.Email = v
			hasPrincipal = true
		}
		if v, ok := stringField(auth, "principalSubject"); ok {
			principal.Subject = v
			hasPrincipal = true
		}
	}

	var errFacet *logmodel.ErrorFacet
	if status, ok := m["status"].(map[string]any); ok {
		code, hasCode := stringField(status, "code")
		msg, hasMsg := stringField(status, "message")
		if hasCode || hasMsg {
			errFacet = &logmodel.ErrorFacet{Code: code, Message: msg}
		}
	}

	if !hasPrincipal {
		principal = nil
	}
	return principal, errFacet
}

func httpFacetOf(m map[string]any) *logmodel.HTTPFacet {
	if m == nil {
		return nil
	}
	f := &logmodel.HTTPFacet{}
	if v, ok := stringField(m, "requestMethod"); ok {
		f.Method = v
	}
	if v, ok := stringField(m, "requestUrl"); ok {
		f.URL = v
	}
	if v, ok := stringField(m, "userAgent"); ok {
		f.UserAgent = v
	}
	if v, ok := stringField(m, "remoteIp"); ok {
		f.RemoteIP = v
	}
	if v, ok := m["status"]; ok {
		f.Status = toInt(v)
	}
	if v, ok := m["requestSize"]; ok {
		f.RequestSize = int64(toInt(v))
	}
	if v, ok := m["responseSize"]; ok {
		f.ResponseSize = int64(toInt(v))
	}
	if v, ok := stringField(m, "latency"); ok {
		f.LatencyMs = parseLatencyMs(v)
	} else if v, ok := m["latency"]; ok {
		f.LatencyMs = toFloat(v)
	}
	if f.Method == "" && f.URL == "" && f.Status == 0 && f.LatencyMs == 0 {
		return nil
	}
	return f
}

// parseLatencyMs converts a GCP-style duration string ("0.123456s") into
// milliseconds.
func parseLatencyMs(s string) float64 {
	if m := latencyRe.FindStringSubmatch(s); m != nil {
		secs, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return secs * 1000
		}
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return secs
	}
	return 0
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func traceFacetOf(r logmodel.RawLogRecord) *logmodel.TraceFacet {
	if r.Trace == "" && r.SpanID == "" {
		return nil
	}
	traceID := r.Trace
	if m := tracePathRe.FindStringSubmatch(traceID); m != nil {
		traceID = m[1]
	}
	f := &logmodel.TraceFacet{
		TraceID: traceID,
		SpanID:  r.SpanID,
	}
	if r.TraceSampled != nil {
		f.Sampled = *r.TraceSampled
	}
	return f
}

func mergeErrorFacet(existing *logmodel.ErrorFacet, text, jsonError string) *logmodel.ErrorFacet {
	msg := jsonError
	if msg == "" {
		msg = firstMatch(text, errColonRe, exceptionRe, failedRe)
	}
	var stack string
	if tracebackRe.MatchString(text) {
		stack = truncate(text, logmodel.MaxStackTraceBytes)
	}
	if msg == "" && stack == "" {
		return existing
	}
	if existing == nil {
		existing = &logmodel.ErrorFacet{}
	}
	if existing.Message == "" {
		existing.Message = msg
	}
	if existing.StackTrace == "" {
		existing.StackTrace = stack
	}
	return existing
}

func firstMatch(text string, patterns ...*regexp.Regexp) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func buildMessage(c logmodel.CanonicalLog, jsonMessage, auditService, auditMethod string) string {
	var primary string
	switch {
	case c.TextPayload != "":
		primary = c.TextPayload
	case jsonMessage != "":
		primary = jsonMessage
	case c.JSONPayload != "":
		primary = truncate(c.JSONPayload, 1000)
	case auditService != "" || auditMethod != "":
		primary = fmt.Sprintf("Audit: %s %s", auditService, auditMethod)
	}

	var b strings.Builder
	b.WriteString(primary)
	if c.HTTP != nil {
		fmt.Fprintf(&b, " [HTTP %s %s]", c.HTTP.Method, c.HTTP.URL)
	}
	if c.Error != nil && c.Error.Message != "" && !strings.Contains(b.String(), c.Error.Message) {
		fmt.Fprintf(&b, " Error: %s", c.Error.Message)
	}
	return truncate(b.String(), logmodel.MaxMessageBytes)
}

func operationFacetOf(m map[string]any) *logmodel.OperationFacet {
	if m == nil {
		return nil
	}
	f := &logmodel.OperationFacet{}
	if v, ok := stringField(m, "id"); ok {
		f.ID = v
	}
	if v, ok := stringField(m, "producer"); ok {
		f.Producer = v
	}
	if v, ok := m["first"].(bool); ok {
		f.First = v
	}
	if v, ok := m["last"].(bool); ok {
		f.Last = v
	}
	return f
}

func sourceLocationFacetOf(m map[string]any) *logmodel.SourceLocationFacet {
	if m == nil {
		return nil
	}
	f := &logmodel.SourceLocationFacet{}
	if v, ok := stringField(m, "file"); ok {
		f.File = v
	}
	if v, ok := stringField(m, "function"); ok {
		f.Function = v
	}
	if v, ok := m["line"]; ok {
		f.Line = int64(toInt(v))
	}
	return f
}

func environmentOf(labels, resourceLabels map[string]string, serviceName string) string {
	for _, key := range []string{"env", "environment"} {
		if v, ok := labels[key]; ok && v != "" {
			return v
		}
		if v, ok := resourceLabels[key]; ok && v != "" {
			return v
		}
	}
	if m := envSuffixRe.FindStringSubmatch(serviceName); m != nil {
		return strings.ToLower(m[1])
	}
	return "prod"
}

func correlationIDsOf(labels map[string]string, jsonPayload map[string]any) map[string]string {
	out := map[string]string{}
	for _, key := range []string{"request_id", "session_id", "conversation_id", "chat_id", "thread_id"} {
		if v, ok := labels[key]; ok && v != "" {
			out[key] = v
		} else if v, ok := stringField(jsonPayload, key); ok && v != "" {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
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

// categorize derives the message category from the log's flags first, then
// its message text: audit logs are "audit", error logs "error", logs with an
// HTTP facet "request"; otherwise message keywords pick "metric", "debug" or
// "warning" in that order, else "info". Severity below error is not
// consulted, so a SeverityInfo log whose message reads "warning: retrying"
// still categorizes as "warning".
func categorize(c logmodel.CanonicalLog) string {
	switch {
	case c.IsAudit:
		return "audit"
	case c.IsError:
		return "error"
	case c.HTTP != nil:
		return "request"
	}

	message := strings.ToLower(c.Message)
	switch {
	case containsAny(message, "metric", "gauge", "counter", "histogram"):
		return "metric"
	case containsAny(message, debugWords...):
		return "debug"
	case containsAny(message, warningWords...):
		return "warning"
	default:
		return "info"
	}
}

func containsAny(haystack string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	// Avoid splitting a multi-byte rune at the boundary.
	for len(b) > 0 && !isValidUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isValidUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last < 0x80 || last >= 0xC0
}
