package journal

import (
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ============================================================================
// Journal Record Definitions
// Responsibility: one line of the ownership journal and its checksum
// ============================================================================

// Record is one ownership event as seen by this node
type Record struct {
	Seq       uint64          `json:"seq"`               // Record sequence number (monotonically increasing)
	Kind      types.EventKind `json:"kind"`              // assigned / revoked / ring_settled
	TaskID    types.TaskID    `json:"task_id,omitempty"` // Empty for ring_settled
	Node      types.NodeID    `json:"node"`              // Node that observed the event
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// Handler is called for every record during Replay
type Handler func(rec Record) error

// checksum returns the CRC32-IEEE of every field except Checksum
func checksum(rec Record) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(rec.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(rec.Kind))
	b.WriteByte('|')
	b.WriteString(string(rec.TaskID))
	b.WriteByte('|')
	b.WriteString(string(rec.Node))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.Timestamp, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// verify returns a *ChecksumError when the stored checksum does not match
func verify(rec Record) error {
	if expected := checksum(rec); expected != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
