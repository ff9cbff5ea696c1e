package agency

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HardState is the consensus state that must survive a restart.
type HardState struct {
	Term     uint64
	VotedFor uint64
}

// CompactionRecord replaces a log prefix with an equivalent state snapshot.
type CompactionRecord struct {
	// BoundaryIndex is the last log index whose effect is in Snapshot.
	BoundaryIndex uint64
	// BoundaryTerm is the term of the entry at BoundaryIndex.
	BoundaryTerm uint64
	// Snapshot is the serialized state machine as of BoundaryIndex.
	Snapshot  []byte
	CreatedAt time.Time
}

const compactionRecordHeaderSize = 8 + 8 + 8

// RetainedCompactions is the number of compaction records a LogStore keeps.
// Older records are removed when a new one is stored.
const RetainedCompactions = 3

// MarshalBinary encodes the record.
func (r *CompactionRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, compactionRecordHeaderSize, compactionRecordHeaderSize+len(r.Snapshot))
	binary.BigEndian.PutUint64(b[0:8], r.BoundaryIndex)
	binary.BigEndian.PutUint64(b[8:16], r.BoundaryTerm)
	var ts int64
	if !r.CreatedAt.IsZero() {
		ts = r.CreatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(b[16:24], uint64(ts))
	return append(b, r.Snapshot...), nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *CompactionRecord) UnmarshalBinary(b []byte) error {
	if len(b) < compactionRecordHeaderSize {
		return fmt.Errorf("compaction record too short: %d bytes", len(b))
	}
	r.BoundaryIndex = binary.BigEndian.Uint64(b[0:8])
	r.BoundaryTerm = binary.BigEndian.Uint64(b[8:16])
	r.CreatedAt = time.Time{}
	if ts := int64(binary.BigEndian.Uint64(b[16:24])); ts != 0 {
		r.CreatedAt = time.Unix(0, ts).UTC()
	}
	r.Snapshot = append([]byte(nil), b[compactionRecordHeaderSize:]...)
	return nil
}

// LogStore is the durable, append-only history of a consensus node.
//
// Index bookkeeping: on an empty store FirstIndex is 1 and LastIndex is 0.
// After a compaction or snapshot install with no retained entries, FirstIndex
// is the boundary plus one and LastIndex is the boundary.
type LogStore interface {
	// FirstIndex returns the index of the first retained entry.
	FirstIndex() (uint64, error)
	// LastIndex returns the index of the last entry, or the compaction
	// boundary when no entries are retained.
	LastIndex() (uint64, error)
	// Entry returns the entry at index. Returns ErrCompacted when index
	// precedes FirstIndex and ErrEntryNotFound when it follows LastIndex.
	Entry(index uint64) (*LogEntry, error)
	// Entries returns the entries in the closed range [lo, hi]. hi is
	// clamped to LastIndex.
	Entries(lo, hi uint64) ([]*LogEntry, error)
	// Append stores entries at the end of the log. Entry indexes must be
	// contiguous with LastIndex. When sync is set the write is fsynced
	// before Append returns.
	Append(entries []*LogEntry, sync bool) error
	// TruncateSuffix removes every entry with an index >= index.
	TruncateSuffix(index uint64) error
	// Sync flushes previously unsynced appends to stable storage.
	Sync() error

	// Compact atomically stores rec and removes entries below pruneBelow.
	// Readers observe either the previous boundary and entries or the new ones.
	Compact(rec *CompactionRecord, pruneBelow uint64) error
	// InstallSnapshot atomically stores rec and discards the whole log.
	InstallSnapshot(rec *CompactionRecord) error
	// LastCompaction returns the most recent record, or nil if none exists.
	LastCompaction() (*CompactionRecord, error)
	// Compactions returns the boundary indexes of the retained records.
	Compactions() ([]uint64, error)

	// HardState returns the persisted term and vote.
	HardState() (HardState, error)
	// SetHardState durably stores the term and vote.
	SetHardState(HardState) error

	// Drop closes the store and removes all persisted state.
	Drop() error
	Close() error
}
