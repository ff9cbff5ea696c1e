package agency_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/influxdata/agency"
	"github.com/stretchr/testify/require"
)

// Ensure a command entry survives binary encoding.
func TestLogEntry_MarshalBinary(t *testing.T) {
	in := &agency.LogEntry{
		Type:     agency.EntryCommand,
		Index:    42,
		Term:     3,
		ClientID: "c1",
		Operations: agency.OperationSet{}.
			Add("arango/test5", agency.Set("v5")).
			Add("arango/counter", agency.Increment(2)),
		Preconditions: agency.Preconditions{"arango/lock": agency.OldEmpty(true)},
		Timestamp:     time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	b, err := in.MarshalBinary()
	require.NoError(t, err)

	var out agency.LogEntry
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, in.Index, out.Index)
	require.Equal(t, in.Term, out.Term)
	require.Equal(t, "c1", out.ClientID)
	require.True(t, in.Timestamp.Equal(out.Timestamp))
	require.Equal(t, []string{"arango/test5", "arango/counter"}, out.Operations.Paths())
	require.Equal(t, "v5", out.Operations[0].New)
	require.Equal(t, 2.0, out.Operations[1].StepOrDefault())
	require.True(t, *out.Preconditions["arango/lock"].OldEmpty)
}

// Ensure a flipped byte is detected by the checksum.
func TestLogEntry_UnmarshalBinary_Checksum(t *testing.T) {
	in := &agency.LogEntry{Index: 1, Term: 1, Operations: agency.OperationSet{}.Add("a", agency.Set(1.0))}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	b[len(b)-2] ^= 0xFF
	var out agency.LogEntry
	require.Error(t, out.UnmarshalBinary(b))
}

// Ensure nop entries carry no payload.
func TestLogEntry_Nop(t *testing.T) {
	in := &agency.LogEntry{Type: agency.EntryNop, Index: 7, Term: 2}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	var out agency.LogEntry
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, agency.EntryNop, out.Type)
	require.Nil(t, out.Operations)
	require.Equal(t, "nop", out.Type.String())
}

// Ensure entries can be streamed through an encoder and decoder.
func TestLogEntryEncoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := agency.NewLogEntryEncoder(&buf)
	for i := uint64(1); i <= 3; i++ {
		e := &agency.LogEntry{Index: i, Term: 1, Operations: agency.OperationSet{}.Add("k", agency.Set(float64(i)))}
		require.NoError(t, enc.Encode(e))
	}

	dec := agency.NewLogEntryDecoder(&buf)
	for i := uint64(1); i <= 3; i++ {
		var e agency.LogEntry
		require.NoError(t, dec.Decode(&e))
		require.Equal(t, i, e.Index)
	}
	var e agency.LogEntry
	require.Equal(t, io.EOF, dec.Decode(&e))
}

// Ensure identical payloads produce identical digests regardless of entry metadata.
func TestLogEntry_Digest(t *testing.T) {
	ops := agency.OperationSet{}.Add("a", agency.Set("x"))
	a := &agency.LogEntry{Index: 1, Term: 1, ClientID: "c", Operations: ops}
	b := &agency.LogEntry{Index: 9, Term: 4, ClientID: "c", Operations: ops}
	c := &agency.LogEntry{Index: 9, Term: 4, ClientID: "c", Operations: agency.OperationSet{}.Add("a", agency.Set("y"))}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	dc, err := c.Digest()
	require.NoError(t, err)
	require.Equal(t, da, db)
	require.NotEqual(t, da, dc)
}

func TestCompactionRecord_MarshalBinary(t *testing.T) {
	in := &agency.CompactionRecord{BoundaryIndex: 100, BoundaryTerm: 2, Snapshot: []byte("state")}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	var out agency.CompactionRecord
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, uint64(100), out.BoundaryIndex)
	require.Equal(t, uint64(2), out.BoundaryTerm)
	require.Equal(t, []byte("state"), out.Snapshot)
	require.True(t, out.CreatedAt.IsZero())
}
