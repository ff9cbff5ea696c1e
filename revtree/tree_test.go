package revtree_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/agency/inmem"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/revtree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func NewTestConfig() revtree.Config {
	c := revtree.NewConfig()
	c.Depth = 2
	c.QueueSize = 64
	c.BatchSize = 16
	return c
}

func NewTestTree(t *testing.T, c revtree.Config) *revtree.Tree {
	t.Helper()
	tree, err := revtree.NewTree("s1", c)
	require.NoError(t, err)
	tree.WithLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func MustOpenTree(t *testing.T, c revtree.Config) *revtree.Tree {
	t.Helper()
	tree := NewTestTree(t, c)
	require.NoError(t, tree.Open())
	return tree
}

// NewDocuments returns a source holding n documents "doc/i" at revision i.
func NewDocuments(n int) *inmem.DocumentSource {
	src := inmem.NewDocumentSource()
	for i := 1; i <= n; i++ {
		src.Put(fmt.Sprintf("doc/%d", i), uint64(i))
	}
	return src
}

func MustFromSource(t *testing.T, c revtree.Config, src revtree.DocumentSource) *revtree.Tree {
	t.Helper()
	tree, err := revtree.FromSource(context.Background(), "s1", c, src)
	require.NoError(t, err)
	return tree
}

func waitReady(t *testing.T, tree *revtree.Tree) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tree.WaitReady(ctx))
}

func leaves(tree *revtree.Tree) []revtree.Node {
	a := make([]revtree.Node, tree.Leaves())
	for i := range a {
		a[i] = tree.Node(tree.Depth(), i)
	}
	return a
}

func TestTree_Insert(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	tree := MustOpenTree(t, c)

	for i := 1; i <= 100; i++ {
		require.NoError(t, tree.Insert(ctx, fmt.Sprintf("doc/%d", i), uint64(i)))
	}
	waitReady(t, tree)

	require.Equal(t, uint64(100), tree.Count())
	require.Equal(t, revtree.PendingUpdates{}, tree.Pending())
	require.Equal(t, MustFromSource(t, c, NewDocuments(100)).Root(), tree.Root())
	require.Equal(t, float64(100), testutil.ToFloat64(tree.PrometheusCollectors()[3]))
}

func TestTree_Insert_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	tree := MustOpenTree(t, c)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := w + 1; i <= 400; i += 4 {
				if err := tree.Insert(ctx, fmt.Sprintf("doc/%d", i), uint64(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	waitReady(t, tree)

	require.Equal(t, MustFromSource(t, c, NewDocuments(400)).Root(), tree.Root())
}

func TestTree_Remove(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	tree := MustOpenTree(t, c)

	require.NoError(t, tree.Insert(ctx, "doc/1", 1))
	require.NoError(t, tree.Insert(ctx, "doc/2", 2))
	require.NoError(t, tree.Insert(ctx, "doc/2", 3))
	require.NoError(t, tree.Remove(ctx, "doc/2", 2))
	require.NoError(t, tree.Remove(ctx, "doc/2", 3))
	waitReady(t, tree)

	expected := MustFromSource(t, c, NewDocuments(1))
	require.Equal(t, expected.Root(), tree.Root())
	require.Equal(t, leaves(expected), leaves(tree))
}

func TestTree_Remove_EmptyBucket(t *testing.T) {
	ctx := context.Background()
	tree := MustOpenTree(t, NewTestConfig())

	require.NoError(t, tree.Remove(ctx, "doc/1", 1))
	waitReady(t, tree)
	require.Equal(t, uint64(0), tree.Count())

	expected := `
# HELP agency_revtree_updates_total Number of updates drained from the queue, by kind and outcome
# TYPE agency_revtree_updates_total counter
agency_revtree_updates_total{kind="remove",outcome="missing",shard="s1"} 1
`
	require.NoError(t, testutil.CollectAndCompare(tree.PrometheusCollectors()[1], strings.NewReader(expected)))
}

func TestTree_Truncate(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	tree := MustOpenTree(t, c)

	for i := 1; i <= 50; i++ {
		require.NoError(t, tree.Insert(ctx, fmt.Sprintf("doc/%d", i+100), uint64(i)))
	}
	require.NoError(t, tree.Truncate(ctx))
	require.NoError(t, tree.Insert(ctx, "doc/1", 1))
	waitReady(t, tree)

	require.Equal(t, uint64(1), tree.Count())
	require.Equal(t, MustFromSource(t, c, NewDocuments(1)).Root(), tree.Root())
}

// Ensure hashes do not depend on the order revisions were inserted in.
func TestTree_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	a, b := MustOpenTree(t, c), MustOpenTree(t, c)

	for i := 1; i <= 200; i++ {
		require.NoError(t, a.Insert(ctx, fmt.Sprintf("doc/%d", i), uint64(i)))
		require.NoError(t, b.Insert(ctx, fmt.Sprintf("doc/%d", 201-i), uint64(201-i)))
	}
	waitReady(t, a)
	waitReady(t, b)
	require.Equal(t, a.Root(), b.Root())
}

// Ensure a single differing revision changes its bucket and nothing else
// at the leaf level.
func TestTree_SingleRevision(t *testing.T) {
	c := NewTestConfig()
	src := NewDocuments(100)
	a := MustFromSource(t, c, src)

	src.Put("doc/42", 1000)
	b := MustFromSource(t, c, src)

	require.NotEqual(t, a.Root(), b.Root())
	la, lb := leaves(a), leaves(b)
	for i := range la {
		if i == a.Bucket("doc/42") {
			require.NotEqual(t, la[i], lb[i])
		} else {
			require.Equal(t, la[i], lb[i], "bucket %d", i)
		}
	}
}

func TestTree_Pending(t *testing.T) {
	ctx := context.Background()
	tree := NewTestTree(t, NewTestConfig())

	require.True(t, tree.Ready())
	require.NoError(t, tree.Insert(ctx, "doc/1", 1))
	require.NoError(t, tree.Remove(ctx, "doc/1", 1))
	require.NoError(t, tree.Truncate(ctx))
	require.Equal(t, revtree.PendingUpdates{Inserts: 1, Removes: 1, Truncates: 1}, tree.Pending())
	require.False(t, tree.Ready())

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tree.WaitReady(shortCtx), context.DeadlineExceeded)

	require.NoError(t, tree.Open())
	waitReady(t, tree)
	require.Equal(t, uint64(0), tree.Count())
}

func TestTree_Enqueue_Full(t *testing.T) {
	c := NewTestConfig()
	c.QueueSize = 1
	tree := NewTestTree(t, c)

	require.NoError(t, tree.Insert(context.Background(), "doc/1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tree.Insert(ctx, "doc/2", 2)
	require.Equal(t, errors.ETimeout, errors.ErrorCode(err))
	require.Equal(t, uint64(1), tree.Pending().Inserts)
}

// Ensure the non-blocking variants refuse updates once the queue is full.
func TestTree_TryInsert_Full(t *testing.T) {
	c := NewTestConfig()
	c.QueueSize = 1
	tree := NewTestTree(t, c)

	require.NoError(t, tree.TryInsert("doc/1", 1))
	require.ErrorIs(t, tree.TryInsert("doc/2", 2), revtree.ErrQueueFull)
	require.ErrorIs(t, tree.TryRemove("doc/1", 1), revtree.ErrQueueFull)
	require.Equal(t, revtree.PendingUpdates{Inserts: 1}, tree.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(tree.PrometheusCollectors()[1].(*prometheus.CounterVec).WithLabelValues("insert", "rejected")))

	require.NoError(t, tree.Open())
	waitReady(t, tree)
	require.Equal(t, uint64(1), tree.Count())

	require.NoError(t, tree.Close())
	require.ErrorIs(t, tree.TryInsert("doc/3", 3), revtree.ErrTreeClosed)
}

func TestTree_Closed(t *testing.T) {
	tree := MustOpenTree(t, NewTestConfig())
	require.NoError(t, tree.Close())

	require.ErrorIs(t, tree.Insert(context.Background(), "doc/1", 1), revtree.ErrTreeClosed)
	require.ErrorIs(t, tree.Open(), revtree.ErrTreeClosed)
	require.NoError(t, tree.Close())
}

func TestTree_Open_ErrAlreadyOpen(t *testing.T) {
	tree := MustOpenTree(t, NewTestConfig())
	require.ErrorIs(t, tree.Open(), revtree.ErrAlreadyOpen)
}

func TestTree_CorruptBucket(t *testing.T) {
	c := NewTestConfig()
	ref := MustFromSource(t, c, NewDocuments(100))
	tree := MustFromSource(t, c, NewDocuments(100))
	gen := tree.Generation()

	require.NoError(t, tree.CorruptBucket(17, 3))
	require.NotEqual(t, ref.Root(), tree.Root())
	require.NotEqual(t, gen, tree.Generation())

	lr, lt := leaves(ref), leaves(tree)
	for i := range lr {
		if i == 17 {
			require.Equal(t, lr[i].Count+3, lt[i].Count)
			require.NotEqual(t, lr[i].Hash, lt[i].Hash)
		} else {
			require.Equal(t, lr[i], lt[i], "bucket %d", i)
		}
	}

	err := tree.CorruptBucket(tree.Leaves(), 1)
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestTree_Corrupt(t *testing.T) {
	c := NewTestConfig()
	ref := MustFromSource(t, c, NewDocuments(10))
	tree := MustFromSource(t, c, NewDocuments(10))

	// A zero count still changes the bucket hash.
	tree.Corrupt("doc/3", 0)
	b := tree.Bucket("doc/3")
	require.Equal(t, ref.Node(c.Depth, b).Count, tree.Node(c.Depth, b).Count)
	require.NotEqual(t, ref.Node(c.Depth, b).Hash, tree.Node(c.Depth, b).Hash)
}

func TestTree_Rebuild(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	src := NewDocuments(100)
	tree := MustFromSource(t, c, src)

	tree.Corrupt("doc/7", 5)
	require.NoError(t, tree.Rebuild(ctx, src))
	require.Equal(t, MustFromSource(t, c, src).Root(), tree.Root())
	require.Equal(t, uint64(100), tree.Count())
}

// Ensure updates queued before a rebuild are dropped rather than applied on
// top of the rebuilt tree.
func TestTree_Rebuild_DropsQueued(t *testing.T) {
	ctx := context.Background()
	c := NewTestConfig()
	src := NewDocuments(20)
	tree := NewTestTree(t, c)

	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert(ctx, fmt.Sprintf("stale/%d", i), uint64(i)))
	}
	require.NoError(t, tree.Rebuild(ctx, src))
	require.NoError(t, tree.Insert(ctx, "doc/21", 21))

	require.NoError(t, tree.Open())
	waitReady(t, tree)

	require.Equal(t, MustFromSource(t, c, NewDocuments(21)).Root(), tree.Root())

	expected := `
# HELP agency_revtree_updates_total Number of updates drained from the queue, by kind and outcome
# TYPE agency_revtree_updates_total counter
agency_revtree_updates_total{kind="insert",outcome="applied",shard="s1"} 1
agency_revtree_updates_total{kind="insert",outcome="dropped",shard="s1"} 5
`
	require.NoError(t, testutil.CollectAndCompare(tree.PrometheusCollectors()[1], strings.NewReader(expected)))
}

type unstableSource struct{ n int }

func (s *unstableSource) ForEachRevision(ctx context.Context, fn func(string, uint64) error) error {
	s.n++
	return fn("doc/1", uint64(s.n))
}

func TestTree_Rebuild_Corrupt(t *testing.T) {
	c := NewTestConfig()
	tree := MustFromSource(t, c, NewDocuments(3))
	root := tree.Root()

	err := tree.Rebuild(context.Background(), &unstableSource{})
	require.Equal(t, errors.ECorrupt, errors.ErrorCode(err))
	require.Equal(t, root, tree.Root())
}

// pinnedSource changes on every read but hands out stable snapshots.
type pinnedSource struct{ unstableSource }

func (s *pinnedSource) SnapshotRevisions(ctx context.Context) (revtree.DocumentSource, error) {
	s.n++
	src := inmem.NewDocumentSource()
	src.Put("doc/1", uint64(s.n))
	return src, nil
}

func TestTree_Rebuild_Snapshotter(t *testing.T) {
	src := &pinnedSource{}
	tree := MustFromSource(t, NewTestConfig(), src)
	require.NoError(t, tree.Rebuild(context.Background(), src))

	want := MustFromSource(t, NewTestConfig(), NewDocuments(0))
	require.NoError(t, want.Insert(context.Background(), "doc/1", 2))
	require.NoError(t, want.Open())
	t.Cleanup(func() { _ = want.Close() })
	waitReady(t, want)
	require.Equal(t, want.Root(), tree.Root())
}

func TestTree_Invalidate(t *testing.T) {
	src := NewDocuments(10)
	tree := MustFromSource(t, NewTestConfig(), src)
	require.True(t, tree.Ready())

	tree.Invalidate()
	require.True(t, tree.NeedsRebuild())
	require.False(t, tree.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tree.WaitReady(ctx), context.DeadlineExceeded)

	require.NoError(t, tree.Rebuild(context.Background(), src))
	require.True(t, tree.Ready())
}

func TestTree_Rebuild_SourceError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree := MustFromSource(t, NewTestConfig(), NewDocuments(3))
	err := tree.Rebuild(ctx, NewDocuments(3))
	require.Equal(t, errors.ETimeout, errors.ErrorCode(err))
}

func TestNewTree_Invalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		fn   func(c *revtree.Config)
	}{
		{name: "branching", fn: func(c *revtree.Config) { c.Branching = 1 }},
		{name: "depth", fn: func(c *revtree.Config) { c.Depth = 0 }},
		{name: "too many leaves", fn: func(c *revtree.Config) { c.Branching, c.Depth = 16, 8 }},
		{name: "queue", fn: func(c *revtree.Config) { c.QueueSize = 0 }},
		{name: "batch", fn: func(c *revtree.Config) { c.BatchSize = 0 }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := revtree.NewConfig()
			tt.fn(&c)
			_, err := revtree.NewTree("s1", c)
			require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
		})
	}
}
