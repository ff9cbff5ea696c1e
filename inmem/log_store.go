package inmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
)

var _ agency.LogStore = (*LogStore)(nil)

type logItem struct {
	index uint64
	data  []byte
}

func lessItem(a, b logItem) bool { return a.index < b.index }

// LogStore is an in memory btree backed agency.LogStore. Entries are kept in
// their encoded form so that reads return the same values a durable store
// would.
type LogStore struct {
	mu          sync.RWMutex
	entries     *btree.BTreeG[logItem]
	compactions []*agency.CompactionRecord
	hard        agency.HardState
	closed      bool
}

// NewLogStore creates an instance of a LogStore.
func NewLogStore() *LogStore {
	return &LogStore{entries: btree.NewG(2, lessItem)}
}

func (s *LogStore) boundary() uint64 {
	if n := len(s.compactions); n > 0 {
		return s.compactions[n-1].BoundaryIndex
	}
	return 0
}

func (s *LogStore) first() uint64 {
	if min, ok := s.entries.Min(); ok {
		return min.index
	}
	return s.boundary() + 1
}

func (s *LogStore) last() uint64 {
	if max, ok := s.entries.Max(); ok {
		return max.index
	}
	return s.boundary()
}

// FirstIndex returns the index of the first retained entry.
func (s *LogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, agency.ErrClosed
	}
	return s.first(), nil
}

// LastIndex returns the index of the last entry.
func (s *LogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, agency.ErrClosed
	}
	return s.last(), nil
}

// Entry returns the entry at index.
func (s *LogStore) Entry(index uint64) (*agency.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, agency.ErrClosed
	}
	if first := s.first(); index < first {
		return nil, agency.CompactedError("inmem.Entry", index, first)
	}
	item, ok := s.entries.Get(logItem{index: index})
	if !ok {
		return nil, agency.ErrEntryNotFound
	}
	return decode(item)
}

// Entries returns the entries in [lo, hi].
func (s *LogStore) Entries(lo, hi uint64) ([]*agency.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, agency.ErrClosed
	}
	if first := s.first(); lo < first {
		return nil, agency.CompactedError("inmem.Entries", lo, first)
	}
	if last := s.last(); hi > last {
		hi = last
	}

	var a []*agency.LogEntry
	var err error
	s.entries.AscendRange(logItem{index: lo}, logItem{index: hi + 1}, func(item logItem) bool {
		var e *agency.LogEntry
		if e, err = decode(item); err != nil {
			return false
		}
		a = append(a, e)
		return true
	})
	return a, err
}

// Append adds entries to the end of the log. sync is ignored.
func (s *LogStore) Append(entries []*agency.LogEntry, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agency.ErrClosed
	}

	next := s.last() + 1
	items := make([]logItem, 0, len(entries))
	for _, e := range entries {
		if e.Index != next {
			return &errors.Error{
				Code: errors.EConflict,
				Op:   "inmem.Append",
				Msg:  fmt.Sprintf("entry index %d does not follow last index %d", e.Index, next-1),
			}
		}
		b, err := e.MarshalBinary()
		if err != nil {
			return err
		}
		items = append(items, logItem{index: e.Index, data: b})
		next++
	}
	for _, item := range items {
		s.entries.ReplaceOrInsert(item)
	}
	return nil
}

// Sync is a no-op for the in memory store.
func (s *LogStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return agency.ErrClosed
	}
	return nil
}

// TruncateSuffix removes all entries with an index >= index.
func (s *LogStore) TruncateSuffix(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agency.ErrClosed
	}
	if b := s.boundary(); index <= b {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "inmem.TruncateSuffix",
			Msg:  fmt.Sprintf("cannot truncate at %d, entries up to %d are compacted", index, b),
		}
	}
	for {
		max, ok := s.entries.Max()
		if !ok || max.index < index {
			return nil
		}
		s.entries.DeleteMax()
	}
}

// Compact stores rec and removes entries below pruneBelow in one step.
func (s *LogStore) Compact(rec *agency.CompactionRecord, pruneBelow uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agency.ErrClosed
	}
	if b := s.boundary(); rec.BoundaryIndex <= b {
		return &errors.Error{
			Code: errors.EConflict,
			Op:   "inmem.Compact",
			Msg:  fmt.Sprintf("boundary %d does not advance past %d", rec.BoundaryIndex, b),
		}
	}
	if last := s.last(); rec.BoundaryIndex > last {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "inmem.Compact",
			Msg:  fmt.Sprintf("boundary %d is past the last index %d", rec.BoundaryIndex, last),
		}
	}
	if pruneBelow > rec.BoundaryIndex+1 {
		pruneBelow = rec.BoundaryIndex + 1
	}

	s.pushCompaction(rec)
	for {
		min, ok := s.entries.Min()
		if !ok || min.index >= pruneBelow {
			return nil
		}
		s.entries.DeleteMin()
	}
}

// InstallSnapshot stores rec and discards every entry.
func (s *LogStore) InstallSnapshot(rec *agency.CompactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agency.ErrClosed
	}
	s.entries.Clear(false)
	s.compactions = s.compactions[:0]
	s.pushCompaction(rec)
	return nil
}

func (s *LogStore) pushCompaction(rec *agency.CompactionRecord) {
	other := *rec
	other.Snapshot = append([]byte(nil), rec.Snapshot...)
	s.compactions = append(s.compactions, &other)
	if n := len(s.compactions); n > agency.RetainedCompactions {
		s.compactions = append(s.compactions[:0], s.compactions[n-agency.RetainedCompactions:]...)
	}
}

// LastCompaction returns the newest compaction record.
func (s *LogStore) LastCompaction() (*agency.CompactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, agency.ErrClosed
	}
	n := len(s.compactions)
	if n == 0 {
		return nil, nil
	}
	rec := *s.compactions[n-1]
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	return &rec, nil
}

// Compactions returns the boundaries of the retained records.
func (s *LogStore) Compactions() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, agency.ErrClosed
	}
	a := make([]uint64, len(s.compactions))
	for i, rec := range s.compactions {
		a[i] = rec.BoundaryIndex
	}
	return a, nil
}

// HardState returns the stored term and vote.
func (s *LogStore) HardState() (agency.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hard, nil
}

// SetHardState stores the term and vote.
func (s *LogStore) SetHardState(hs agency.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agency.ErrClosed
	}
	s.hard = hs
	return nil
}

// Drop removes all state and closes the store.
func (s *LogStore) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Clear(false)
	s.compactions = nil
	s.hard = agency.HardState{}
	s.closed = true
	return nil
}

// Close closes the store.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decode(item logItem) (*agency.LogEntry, error) {
	e := &agency.LogEntry{}
	if err := e.UnmarshalBinary(item.data); err != nil {
		return nil, agency.CorruptStateError("inmem.decode", err)
	}
	return e, nil
}
