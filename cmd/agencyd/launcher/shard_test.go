package launcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/revtree"
	"github.com/influxdata/agency/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStalledTree(t *testing.T, id string) *revtree.Tree {
	t.Helper()
	c := revtree.NewConfig()
	c.Depth = 1
	c.QueueSize = 1
	// Never opened, so nothing drains the queue.
	tree, err := revtree.NewTree(id, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

// Ensure a full tree queue invalidates the tree instead of stalling the
// applier that notifies the feed.
func TestTreeFeed_FullQueue(t *testing.T) {
	stalled := newStalledTree(t, "stalled")
	a := state.NewApplier(state.AuditOnly{})
	a.WithLogger(zaptest.NewLogger(t))
	a.Observe(&treeFeed{trees: []*revtree.Tree{stalled}, logger: zaptest.NewLogger(t)})

	done := make(chan error, 1)
	go func() {
		for i := uint64(1); i <= 4; i++ {
			e := &agency.LogEntry{
				Index:      i,
				Term:       1,
				ClientID:   fmt.Sprintf("c%d", i%2),
				Operations: agency.OperationSet{}.Add("k", agency.Set(i)),
			}
			if _, err := a.Apply(e); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("applier blocked on a full revision tree queue")
	}
	require.True(t, stalled.NeedsRebuild())
	require.Equal(t, revtree.PendingUpdates{Inserts: 1}, stalled.Pending())

	// Reads of the applied state are not held up either.
	m, idx := a.Read([]string{"k"})
	require.Equal(t, uint64(4), idx)
	require.Equal(t, float64(4), m["k"])
}

// Ensure updates to a closed tree are dropped without invalidating it.
func TestTreeFeed_ClosedTree(t *testing.T) {
	closed := newStalledTree(t, "closed")
	require.NoError(t, closed.Close())

	f := &treeFeed{trees: []*revtree.Tree{closed}, logger: zaptest.NewLogger(t)}
	f.Recorded("c1", 0, 1)
	f.Recorded("c1", 1, 2)
	require.False(t, closed.NeedsRebuild())

	f.Restored()
	require.True(t, closed.NeedsRebuild())
}
