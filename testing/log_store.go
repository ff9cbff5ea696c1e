package testing

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
)

// LogStoreFields will include the entries and compactions to populate.
type LogStoreFields struct {
	Entries     []*agency.LogEntry
	Compactions []*agency.CompactionRecord
	// PruneBelow is passed to Compact for every record in Compactions.
	PruneBelow uint64
}

type logStoreF func(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
)

// LogStore tests all the agency.LogStore functions.
func LogStore(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	tests := []struct {
		name string
		fn   logStoreF
	}{
		{name: "Bounds", fn: LogStoreBounds},
		{name: "Append", fn: LogStoreAppend},
		{name: "Entries", fn: LogStoreEntries},
		{name: "TruncateSuffix", fn: LogStoreTruncateSuffix},
		{name: "Compact", fn: LogStoreCompact},
		{name: "InstallSnapshot", fn: LogStoreInstallSnapshot},
		{name: "HardState", fn: LogStoreHardState},
		{name: "Drop", fn: LogStoreDrop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(init, t)
		})
	}
}

// Populate fills s with the fields. It is used by store implementations
// in their init functions.
func Populate(s agency.LogStore, f LogStoreFields, t *testing.T) {
	t.Helper()
	if len(f.Entries) > 0 {
		if err := s.Append(f.Entries, true); err != nil {
			t.Fatalf("failed to populate entries: %v", err)
		}
	}
	for _, rec := range f.Compactions {
		if err := s.Compact(rec, f.PruneBelow); err != nil {
			t.Fatalf("failed to populate compactions: %v", err)
		}
	}
}

// LogStoreBounds tests FirstIndex and LastIndex.
func LogStoreBounds(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	type wants struct {
		first, last uint64
	}

	tests := []struct {
		name   string
		fields LogStoreFields
		wants  wants
	}{
		{
			name:  "empty store",
			wants: wants{first: 1, last: 0},
		},
		{
			name:   "entries only",
			fields: LogStoreFields{Entries: Commands(1, 5, 1)},
			wants:  wants{first: 1, last: 5},
		},
		{
			name: "compaction retaining entries past the boundary",
			fields: LogStoreFields{
				Entries:     Commands(1, 10, 1),
				Compactions: []*agency.CompactionRecord{{BoundaryIndex: 6, BoundaryTerm: 1}},
				PruneBelow:  7,
			},
			wants: wants{first: 7, last: 10},
		},
		{
			name: "compaction keeping entries before the boundary",
			fields: LogStoreFields{
				Entries:     Commands(1, 10, 1),
				Compactions: []*agency.CompactionRecord{{BoundaryIndex: 8, BoundaryTerm: 1}},
				PruneBelow:  5,
			},
			wants: wants{first: 5, last: 10},
		},
		{
			name: "compaction of every entry",
			fields: LogStoreFields{
				Entries:     Commands(1, 4, 2),
				Compactions: []*agency.CompactionRecord{{BoundaryIndex: 4, BoundaryTerm: 2}},
				PruneBelow:  5,
			},
			wants: wants{first: 5, last: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(tt.fields, t)
			defer done()

			first, err := s.FirstIndex()
			diffErrorCodes(tt.name, err, "", t)
			last, err := s.LastIndex()
			diffErrorCodes(tt.name, err, "", t)
			if first != tt.wants.first || last != tt.wants.last {
				t.Fatalf("unexpected bounds: got [%d, %d], want [%d, %d]", first, last, tt.wants.first, tt.wants.last)
			}
		})
	}
}

// LogStoreAppend tests Append.
func LogStoreAppend(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	tests := []struct {
		name    string
		fields  LogStoreFields
		append  []*agency.LogEntry
		wantErr string
		last    uint64
	}{
		{
			name:   "append to empty log",
			append: Commands(1, 3, 1),
			last:   3,
		},
		{
			name:   "append continues the log",
			fields: LogStoreFields{Entries: Commands(1, 3, 1)},
			append: Commands(4, 5, 2),
			last:   5,
		},
		{
			name:    "gap is rejected",
			fields:  LogStoreFields{Entries: Commands(1, 3, 1)},
			append:  Commands(5, 6, 1),
			wantErr: errors.EConflict,
			last:    3,
		},
		{
			name:    "overlap is rejected",
			fields:  LogStoreFields{Entries: Commands(1, 3, 1)},
			append:  Commands(3, 4, 1),
			wantErr: errors.EConflict,
			last:    3,
		},
		{
			name: "append after a compaction of every entry",
			fields: LogStoreFields{
				Entries:     Commands(1, 4, 1),
				Compactions: []*agency.CompactionRecord{{BoundaryIndex: 4, BoundaryTerm: 1}},
				PruneBelow:  5,
			},
			append: Commands(5, 5, 1),
			last:   5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, done := init(tt.fields, t)
			defer done()

			err := s.Append(tt.append, true)
			diffErrorCodes(tt.name, err, tt.wantErr, t)

			last, err := s.LastIndex()
			diffErrorCodes(tt.name, err, "", t)
			if last != tt.last {
				t.Fatalf("unexpected last index: got %d, want %d", last, tt.last)
			}
		})
	}
}

// LogStoreEntries tests Entry and Entries.
func LogStoreEntries(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{
		Entries:     Commands(1, 10, 1),
		Compactions: []*agency.CompactionRecord{{BoundaryIndex: 5, BoundaryTerm: 1}},
		PruneBelow:  4,
	}, t)
	defer done()

	e, err := s.Entry(7)
	diffErrorCodes("Entry", err, "", t)
	if e.Index != 7 || e.Term != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if v := e.Operations[0].New; v != 7.0 {
		t.Fatalf("unexpected entry value: %v", v)
	}

	_, err = s.Entry(3)
	diffErrorCodes("Entry compacted", err, errors.ECompacted, t)
	_, err = s.Entry(11)
	diffErrorCodes("Entry past end", err, errors.ENotFound, t)

	entries, err := s.Entries(4, 20)
	diffErrorCodes("Entries", err, "", t)
	if diff := cmp.Diff([]uint64{4, 5, 6, 7, 8, 9, 10}, indexes(entries)); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}

	_, err = s.Entries(2, 6)
	diffErrorCodes("Entries compacted", err, errors.ECompacted, t)
}

// LogStoreTruncateSuffix tests TruncateSuffix.
func LogStoreTruncateSuffix(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{Entries: Commands(1, 10, 1)}, t)
	defer done()

	diffErrorCodes("TruncateSuffix", s.TruncateSuffix(6), "", t)
	last, _ := s.LastIndex()
	if last != 5 {
		t.Fatalf("unexpected last index: got %d, want 5", last)
	}
	diffErrorCodes("Append after truncate", s.Append(Commands(6, 7, 2), true), "", t)

	e, err := s.Entry(6)
	diffErrorCodes("Entry", err, "", t)
	if e.Term != 2 {
		t.Fatalf("unexpected term after overwrite: %d", e.Term)
	}

	diffErrorCodes("TruncateSuffix past end", s.TruncateSuffix(100), "", t)
}

// LogStoreCompact tests Compact, LastCompaction and Compactions.
func LogStoreCompact(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{Entries: Commands(1, 20, 1)}, t)
	defer done()

	rec, err := s.LastCompaction()
	diffErrorCodes("LastCompaction", err, "", t)
	if rec != nil {
		t.Fatalf("expected no compaction, got %+v", rec)
	}

	for _, boundary := range []uint64{4, 8, 12, 16} {
		err := s.Compact(&agency.CompactionRecord{
			BoundaryIndex: boundary,
			BoundaryTerm:  1,
			Snapshot:      []byte{byte(boundary)},
		}, boundary+1)
		diffErrorCodes("Compact", err, "", t)
	}

	rec, err = s.LastCompaction()
	diffErrorCodes("LastCompaction", err, "", t)
	if rec.BoundaryIndex != 16 || rec.BoundaryTerm != 1 || string(rec.Snapshot) != string([]byte{16}) {
		t.Fatalf("unexpected compaction: %+v", rec)
	}

	boundaries, err := s.Compactions()
	diffErrorCodes("Compactions", err, "", t)
	if diff := cmp.Diff([]uint64{8, 12, 16}, boundaries); diff != "" {
		t.Fatalf("unexpected retained compactions (-want +got):\n%s", diff)
	}

	first, _ := s.FirstIndex()
	if first != 17 {
		t.Fatalf("unexpected first index: got %d, want 17", first)
	}

	err = s.Compact(&agency.CompactionRecord{BoundaryIndex: 10, BoundaryTerm: 1}, 11)
	diffErrorCodes("Compact behind boundary", err, errors.EConflict, t)
	err = s.Compact(&agency.CompactionRecord{BoundaryIndex: 30, BoundaryTerm: 1}, 31)
	diffErrorCodes("Compact past end", err, errors.EInvalid, t)
	diffErrorCodes("TruncateSuffix into compacted range", s.TruncateSuffix(10), errors.EInvalid, t)
}

// LogStoreInstallSnapshot tests InstallSnapshot.
func LogStoreInstallSnapshot(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{Entries: Commands(1, 3, 1)}, t)
	defer done()

	err := s.InstallSnapshot(&agency.CompactionRecord{BoundaryIndex: 50, BoundaryTerm: 3, Snapshot: []byte("snap")})
	diffErrorCodes("InstallSnapshot", err, "", t)

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 51 || last != 50 {
		t.Fatalf("unexpected bounds: got [%d, %d], want [51, 50]", first, last)
	}
	_, err = s.Entry(2)
	diffErrorCodes("Entry", err, errors.ECompacted, t)

	diffErrorCodes("Append", s.Append(Commands(51, 52, 3), false), "", t)
	last, _ = s.LastIndex()
	if last != 52 {
		t.Fatalf("unexpected last index: got %d, want 52", last)
	}
}

// LogStoreHardState tests HardState and SetHardState.
func LogStoreHardState(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{}, t)
	defer done()

	hs, err := s.HardState()
	diffErrorCodes("HardState", err, "", t)
	if hs != (agency.HardState{}) {
		t.Fatalf("unexpected initial hard state: %+v", hs)
	}

	want := agency.HardState{Term: 7, VotedFor: 3}
	diffErrorCodes("SetHardState", s.SetHardState(want), "", t)
	hs, err = s.HardState()
	diffErrorCodes("HardState", err, "", t)
	if hs != want {
		t.Fatalf("unexpected hard state: got %+v, want %+v", hs, want)
	}
}

// LogStoreDrop tests that Drop closes the store.
func LogStoreDrop(
	init func(LogStoreFields, *testing.T) (agency.LogStore, func()),
	t *testing.T,
) {
	s, done := init(LogStoreFields{Entries: Commands(1, 3, 1)}, t)
	defer done()

	diffErrorCodes("Drop", s.Drop(), "", t)
	_, err := s.LastIndex()
	diffErrorCodes("LastIndex after drop", err, errors.EUnavailable, t)
}
