// Package vectorindex is the Vector Index Writer (C11): it owns every
// Qdrant operation the embedding worker needs — ensuring a collection
// exists with the expected dimension, upserting embedding points with
// payload filters, and reconciling a dimension mismatch onto a
// dimension-suffixed collection so the original collection is never
// altered in place.
package vectorindex

// KeywordIndexFields are the payload fields indexed as keyword for filtered
// search (§4.11).
var KeywordIndexFields = []string{
	"severity", "service_name", "resource_type", "dataset", "table_name",
}

// IntegerIndexFields are the payload timestamp components indexed as
// integers for range/bucket filtering (§4.11).
var IntegerIndexFields = []string{
	"timestamp.year", "timestamp.month", "timestamp.day", "timestamp.hour",
}

// UpsertResult reports the outcome of one upsert attempt, recorded into the
// checkpoint/metrics registry (C9) by the caller.
type UpsertResult struct {
	Collection string
	Count      int
	Success    bool
}

// SearchResult is a single k-NN hit, returned to out-of-scope consumers
// (the agent runtime) that query the index directly.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}
