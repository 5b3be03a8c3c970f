package embed

import (
	"fmt"

	"github.com/google/uuid"
)

// pointNamespace is the fixed UUID namespace for point_id derivation, so
// the same (log_id, chunk_idx) pair always yields the same uuid5 across
// runs and processes (§8: point_id is stable across runs).
var pointNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd3b-a65e0221f9f9")

// PointIDFor derives a stable point_id from a log's id and one of its
// chunk indexes, making vector upserts idempotent (§5).
func PointIDFor(logID string, chunkIdx int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", logID, chunkIdx))).String()
}
