package logmodel

import "time"

// EmbeddingPoint is one chunk of a canonical log's trace text plus its
// embedding vector, ready for upsert into the vector index.
type EmbeddingPoint struct {
	PointID    string    `json:"point_id"`
	LogID      string    `json:"log_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkCount int       `json:"chunk_count"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"-"`
	Dimension  int       `json:"dimension"`

	StreamID    string    `json:"stream_id"`
	Severity    Severity  `json:"severity"`
	LogType     LogType   `json:"log_type"`
	ServiceName string    `json:"service_name,omitempty"`
	EventTime   time.Time `json:"event_time"`
	LogDate     string    `json:"log_date"`

	EmbeddedAt time.Time `json:"embedded_at"`
	ModelName  string    `json:"model_name"`
}

// Payload returns the scalar/keyword fields stored alongside the vector, in
// the shape the vector index's payload filters expect.
func (p EmbeddingPoint) Payload() map[string]any {
	return map[string]any{
		"log_id":       p.LogID,
		"chunk_index":  p.ChunkIndex,
		"chunk_count":  p.ChunkCount,
		"stream_id":    p.StreamID,
		"severity":     string(p.Severity),
		"log_type":     string(p.LogType),
		"service_name": p.ServiceName,
		"event_time":   p.EventTime.UTC().Format(time.RFC3339),
		"log_date":     p.LogDate,
		"model_name":   p.ModelName,
	}
}
