// Package logmodel defines the canonical data types shared by the ETL and
// embedding subsystems: streams, raw and canonical log records, embedding
// points, jobs, and pipeline run results.
package logmodel

import "time"

// Direction classifies the provenance of a stream relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInternal Direction = "INTERNAL"
)

// Flow classifies how a stream's source table is populated.
type Flow string

const (
	FlowRealtime  Flow = "REALTIME"
	FlowBatch     Flow = "BATCH"
	FlowScheduled Flow = "SCHEDULED"
)

// Coordinates locates a stream's source within the warehouse's topology.
type Coordinates struct {
	Region  string `json:"region,omitempty"`
	Zone    string `json:"zone,omitempty"`
	Project string `json:"project,omitempty"`
	Org     string `json:"org,omitempty"`
}

// Stream is a logical source table plus its direction/flow classification
// and sync state. StreamID = "<dataset>.<table>" is the unique key.
type Stream struct {
	StreamID          string      `json:"stream_id"`
	SourceDataset     string      `json:"source_dataset"`
	SourceTable       string      `json:"source_table"`
	Direction         Direction   `json:"direction"`
	Flow              Flow        `json:"flow"`
	Coordinates       Coordinates `json:"coordinates"`
	Enabled           bool        `json:"enabled"`
	Priority          int         `json:"priority"`
	LastSyncOffset    int64       `json:"last_sync_offset"`
	TotalRecordsSynced int64      `json:"total_records_synced"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// StreamIDFor builds the canonical "<dataset>.<table>" identifier.
func StreamIDFor(dataset, table string) string {
	return dataset + "." + table
}
