package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/bolt"
	"github.com/influxdata/agency/kit/platform/errors"
	agencytesting "github.com/influxdata/agency/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func NewTestConfig(t *testing.T) bolt.Config {
	c := bolt.NewConfig()
	c.Path = filepath.Join(t.TempDir(), "agency.db")
	c.NoSync = true
	return c
}

func NewTestLogStore(t *testing.T, c bolt.Config) *bolt.LogStore {
	s := bolt.NewLogStore(c)
	s.WithLogger(zaptest.NewLogger(t))
	require.NoError(t, s.Open(context.Background()))
	return s
}

func initLogStore(f agencytesting.LogStoreFields, t *testing.T) (agency.LogStore, func()) {
	s := NewTestLogStore(t, NewTestConfig(t))
	agencytesting.Populate(s, f, t)
	return s, func() { s.Close() }
}

func TestLogStore(t *testing.T) {
	agencytesting.LogStore(initLogStore, t)
}

// Ensure the log, the compaction records and the hard state survive a reopen.
func TestLogStore_Reopen(t *testing.T) {
	c := NewTestConfig(t)
	s := NewTestLogStore(t, c)

	require.NoError(t, s.Append(agencytesting.Commands(1, 10, 1), true))
	require.NoError(t, s.Append(agencytesting.Commands(11, 12, 2), false))
	require.NoError(t, s.Compact(&agency.CompactionRecord{BoundaryIndex: 6, BoundaryTerm: 1, Snapshot: []byte(`{"index":6}`)}, 4))
	require.NoError(t, s.SetHardState(agency.HardState{Term: 2, VotedFor: 1}))
	require.NoError(t, s.Close())

	s = NewTestLogStore(t, c)
	defer s.Close()

	first, err := s.FirstIndex()
	require.NoError(t, err)
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(4), first)
	require.Equal(t, uint64(12), last)

	e, err := s.Entry(12)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Term)

	rec, err := s.LastCompaction()
	require.NoError(t, err)
	require.Equal(t, uint64(6), rec.BoundaryIndex)
	require.Equal(t, `{"index":6}`, string(rec.Snapshot))

	hs, err := s.HardState()
	require.NoError(t, err)
	require.Equal(t, agency.HardState{Term: 2, VotedFor: 1}, hs)
}

// Ensure a long log written in batches stays contiguous across a restart.
func TestLogStore_Continuity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	c := NewTestConfig(t)
	s := NewTestLogStore(t, c)
	const n, batch = 50000, 500
	for lo := uint64(1); lo <= n; lo += batch {
		require.NoError(t, s.Append(agencytesting.Commands(lo, lo+batch-1, 1), false))
	}
	require.NoError(t, s.Close())

	s = NewTestLogStore(t, c)
	defer s.Close()

	entries, err := s.Entries(1, n)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Index)
	}
}

func TestLogStore_Drop(t *testing.T) {
	c := NewTestConfig(t)
	s := NewTestLogStore(t, c)
	require.NoError(t, s.Append(agencytesting.Commands(1, 3, 1), true))
	require.NoError(t, s.Drop())

	s = NewTestLogStore(t, c)
	defer s.Close()
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestTreeStore(t *testing.T) {
	s := NewTestLogStore(t, NewTestConfig(t))
	defer s.Close()
	ctx := context.Background()
	ts := s.TreeStore()

	_, err := ts.LoadTree(ctx, "s1")
	require.Equal(t, errors.ENotFound, errors.ErrorCode(err))

	require.NoError(t, ts.SaveTree(ctx, "s1", []byte("tree")))
	data, err := ts.LoadTree(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "tree", string(data))

	require.NoError(t, ts.DeleteTree(ctx, "s1"))
	_, err = ts.LoadTree(ctx, "s1")
	require.Error(t, err)
}

func TestLogStore_Collect(t *testing.T) {
	s := NewTestLogStore(t, NewTestConfig(t))
	defer s.Close()
	require.NoError(t, s.Append(agencytesting.Commands(1, 5, 1), true))

	reg := prometheus.NewRegistry()
	reg.MustRegister(s.PrometheusCollectors()...)
	n, err := testutil.GatherAndCount(reg, "agency_log_last_index", "agency_log_first_index")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
