package verifier_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/influxdata/agency/inmem"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/revtree"
	"github.com/influxdata/agency/verifier"
	"github.com/stretchr/testify/require"
)

func NewDocuments(n int) *inmem.DocumentSource {
	src := inmem.NewDocumentSource()
	for i := 1; i <= n; i++ {
		src.Put(fmt.Sprintf("doc/%d", i), uint64(i))
	}
	return src
}

func MustFromSource(t *testing.T, shardID string, src revtree.DocumentSource) *revtree.Tree {
	t.Helper()
	tree, err := revtree.FromSource(context.Background(), shardID, revtree.NewConfig(), src)
	require.NoError(t, err)
	return tree
}

func TestVerify_Equal(t *testing.T) {
	src := NewDocuments(500)
	res, err := verifier.Verify(MustFromSource(t, "s1", src), MustFromSource(t, "s1", src))
	require.NoError(t, err)
	require.True(t, res.Equal)
	require.Empty(t, res.Divergent)
	require.Equal(t, 1, res.Visited)
}

// Ensure a corrupted bucket is localized and that a rebuild reconciles the
// follower with its documents.
func TestVerify_CorruptBucket_Rebuild(t *testing.T) {
	ctx := context.Background()
	src := NewDocuments(500)
	leader, follower := MustFromSource(t, "s1", src), MustFromSource(t, "s1", src)

	require.NoError(t, follower.CorruptBucket(17, 1))

	res, err := verifier.Verify(leader, follower)
	require.NoError(t, err)
	require.False(t, res.Equal)
	require.Equal(t, []verifier.Range{{Low: 17, High: 17}}, res.Divergent)
	require.True(t, res.Divergent[0].Contains(17))

	// Only the path to the divergent leaf is expanded.
	require.Equal(t, 1+follower.Depth()*follower.Branching(), res.Visited)

	require.NoError(t, follower.Rebuild(ctx, src))
	res, err = verifier.Verify(leader, follower)
	require.NoError(t, err)
	require.True(t, res.Equal)
}

func TestVerify_Ranges(t *testing.T) {
	src := NewDocuments(100)
	a, b := MustFromSource(t, "s1", src), MustFromSource(t, "s1", src)
	for _, bucket := range []int{16, 17, 18, 40, 511} {
		require.NoError(t, b.CorruptBucket(bucket, 2))
	}

	res, err := verifier.Verify(a, b)
	require.NoError(t, err)
	require.Equal(t, []verifier.Range{
		{Low: 16, High: 18},
		{Low: 40, High: 40},
		{Low: 511, High: 511},
	}, res.Divergent)
	require.Equal(t, 5, res.Buckets())
}

// Ensure a single differing revision is detected and localized to its bucket.
func TestVerify_SingleRevision(t *testing.T) {
	leaderDocs, followerDocs := NewDocuments(1000), NewDocuments(1000)
	followerDocs.Put("doc/512", 9999)

	a, b := MustFromSource(t, "s1", leaderDocs), MustFromSource(t, "s1", followerDocs)
	res, err := verifier.Verify(a, b)
	require.NoError(t, err)

	bucket := a.Bucket("doc/512")
	require.Equal(t, []verifier.Range{{Low: bucket, High: bucket}}, res.Divergent)
}

func TestVerify_NotReady(t *testing.T) {
	src := NewDocuments(10)
	tree, err := revtree.NewTree("s1", revtree.NewConfig())
	require.NoError(t, err)
	defer tree.Close()
	require.NoError(t, tree.Insert(context.Background(), "doc/11", 11))

	_, err = verifier.Verify(MustFromSource(t, "s1", src), tree)
	require.ErrorIs(t, err, verifier.ErrNotReady)
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
}

func TestVerify_ShapeMismatch(t *testing.T) {
	c := revtree.NewConfig()
	c.Depth = 2
	other, err := revtree.FromSource(context.Background(), "s1", c, NewDocuments(1))
	require.NoError(t, err)

	_, err = verifier.Verify(MustFromSource(t, "s1", NewDocuments(1)), other)
	require.ErrorIs(t, err, verifier.ErrShapeMismatch)
}

func TestVerifySource(t *testing.T) {
	ctx := context.Background()
	src := NewDocuments(50)
	tree := MustFromSource(t, "s1", src)

	src.Put("doc/51", 51)
	res, err := verifier.VerifySource(ctx, tree, src)
	require.NoError(t, err)
	require.False(t, res.Equal)

	require.NoError(t, verifier.Repair(ctx, tree, src))
	res, err = verifier.VerifySource(ctx, tree, src)
	require.NoError(t, err)
	require.True(t, res.Equal)
}

// growingSource gains a document on every snapshot.
type growingSource struct{ n int }

func (s *growingSource) ForEachRevision(ctx context.Context, fn func(string, uint64) error) error {
	src, _ := s.SnapshotRevisions(ctx)
	return src.ForEachRevision(ctx, fn)
}

func (s *growingSource) SnapshotRevisions(ctx context.Context) (revtree.DocumentSource, error) {
	s.n++
	return NewDocuments(s.n), nil
}

func TestRepair_Snapshotter(t *testing.T) {
	ctx := context.Background()
	src := &growingSource{}
	tree := MustFromSource(t, "s1", src)
	require.NoError(t, tree.Open())
	defer tree.Close()

	require.NoError(t, verifier.Repair(ctx, tree, src))
	require.Equal(t, uint64(2), tree.Count())
}
