package launcher

import (
	"context"
	stderrors "errors"

	"github.com/influxdata/agency/compaction"
	"github.com/influxdata/agency/raft"
	"github.com/influxdata/agency/revtree"
	"github.com/influxdata/agency/state"
	"github.com/influxdata/agency/verifier"
	"go.uber.org/zap"
)

// ClientShardID is the shard of revision trees built over the client
// progress table. Documents are client ids and revisions are the index of
// the last entry applied for the client.
const ClientShardID = "agency-clients"

// Replicas of the client shard. The live replica is rebuilt from the applied
// state and the replay replica from the last compaction record and the log,
// so a divergence means the log no longer reproduces the state.
const (
	LiveReplica   = "live"
	ReplayReplica = "replay"
)

// liveSource reads the progress table of the live applier.
type liveSource struct {
	applier *state.Applier
}

func (s liveSource) ForEachRevision(ctx context.Context, fn func(string, uint64) error) error {
	return s.applier.ForEachRevision(ctx, fn)
}

func (s liveSource) SnapshotRevisions(ctx context.Context) (revtree.DocumentSource, error) {
	return s.applier.Revisions(), nil
}

// replaySource reads the progress table reproduced by replaying the log up
// to the index the live applier has reached.
type replaySource struct {
	node      *raft.Node
	compactor *compaction.Manager
}

func (s replaySource) ForEachRevision(ctx context.Context, fn func(string, uint64) error) error {
	src, err := s.SnapshotRevisions(ctx)
	if err != nil {
		return err
	}
	return src.ForEachRevision(ctx, fn)
}

func (s replaySource) SnapshotRevisions(ctx context.Context) (revtree.DocumentSource, error) {
	scratch, err := s.compactor.Replay(ctx, s.node.Applier().AppliedIndex())
	if err != nil {
		return nil, err
	}
	return scratch.Revisions(), nil
}

// treeFeed forwards changes of the progress table to the trees of the
// client shard. It is called with the applier locked, so it never waits for
// room in a tree's queue: a refused update invalidates the tree and the
// monitor rebuilds it at its next check.
type treeFeed struct {
	trees  []*revtree.Tree
	logger *zap.Logger
}

func (f *treeFeed) Recorded(clientID string, prev, next uint64) {
	for _, t := range f.trees {
		if prev != 0 {
			if err := t.TryRemove(clientID, prev); err != nil {
				f.dropped(t, err)
				continue
			}
		}
		if err := t.TryInsert(clientID, next); err != nil {
			f.dropped(t, err)
		}
	}
}

func (f *treeFeed) Restored() {
	for _, t := range f.trees {
		t.Invalidate()
	}
}

func (f *treeFeed) dropped(t *revtree.Tree, err error) {
	if stderrors.Is(err, revtree.ErrTreeClosed) {
		return
	}
	f.logger.Warn("Failed to queue revision tree update", zap.String("tree", t.ShardID()), zap.Error(err))
	t.Invalidate()
}

// clientShard holds the trees of the client shard.
type clientShard struct {
	live   *revtree.Tree
	replay *revtree.Tree
}

// openClientShard creates the trees of the client shard and subscribes them
// to the applier of node. The live tree saved by the previous run is
// loaded, but both trees start invalidated because the node replays its log
// on open; the monitor rebuilds them at its first check.
func openClientShard(ctx context.Context, c revtree.Config, store revtree.Store, node *raft.Node, log *zap.Logger) (*clientShard, error) {
	live, err := revtree.NewTree(ClientShardID+"/"+LiveReplica, c)
	if err != nil {
		return nil, err
	}
	replay, err := revtree.NewTree(ClientShardID+"/"+ReplayReplica, c)
	if err != nil {
		return nil, err
	}
	live.WithLogger(log)
	replay.WithLogger(log)

	if err := live.Load(ctx, store); err != nil {
		log.Warn("Ignoring saved revision tree", zap.Error(err))
	}
	for _, t := range []*revtree.Tree{live, replay} {
		t.Invalidate()
		if err := t.Open(); err != nil {
			return nil, err
		}
	}

	node.Applier().Observe(&treeFeed{
		trees:  []*revtree.Tree{live, replay},
		logger: log.With(zap.String("service", "revtree")),
	})
	return &clientShard{live: live, replay: replay}, nil
}

// Shard returns the shard as registered with the monitor.
func (s *clientShard) Shard(node *raft.Node, compactor *compaction.Manager) *verifier.Shard {
	return &verifier.Shard{
		ID: ClientShardID,
		Leader: &verifier.Replica{
			Server: LiveReplica,
			Role:   verifier.Leader,
			Tree:   s.live,
			Source: liveSource{applier: node.Applier()},
		},
		Followers: []*verifier.Replica{{
			Server: ReplayReplica,
			Role:   verifier.Follower,
			Tree:   s.replay,
			Source: replaySource{node: node, compactor: compactor},
		}},
	}
}

func (s *clientShard) Close() error {
	err := s.live.Close()
	if rerr := s.replay.Close(); err == nil {
		err = rerr
	}
	return err
}
