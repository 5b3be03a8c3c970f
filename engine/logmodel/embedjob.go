package logmodel

import "time"

// EmbedJob is a unit of embedding work consumed from the Queue (C8) by the
// Embedding Worker (C12): "embed up to batch_size rows of table starting at
// offset". Jobs move Backlog/Priority -> in-flight -> (complete & enqueue
// next | re-enqueue with retry++ | dead-letter).
type EmbedJob struct {
	JobID      string    `json:"job_id"`
	Table      string    `json:"table"` // stream_id
	Offset     int64     `json:"offset"`
	BatchSize  int       `json:"batch_size"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	Priority   bool      `json:"priority"`
}

// MaxEmbedRetries is the retry_count at which a failing job is moved to the
// dead-letter queue instead of being re-enqueued (§4.12 step 6).
const MaxEmbedRetries = 3

// FailedEmbedJob is the shape written to q:embed:failed: the job plus why
// and where it came from (§6.2).
type FailedEmbedJob struct {
	EmbedJob
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
	OriginalQueue  string    `json:"original_queue"`
}
