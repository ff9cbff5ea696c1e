// Package revtree implements per-shard hash trees over document revisions.
//
// A tree has Branching^Depth leaf buckets. A document key always falls into
// the same bucket and each leaf holds the number of revisions in it together
// with the XOR of their hashes, so insertion order does not matter. Internal
// nodes hash their children, which lets two trees be compared top-down while
// only visiting the subtrees that differ.
//
// Mutations are queued and folded into the tree by a background drain. A tree
// is only comparable once its queue has drained, see Ready.
package revtree

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

var (
	// ErrTreeClosed is returned when updating a closed tree.
	ErrTreeClosed = &errors.Error{Code: errors.EUnavailable, Msg: "revision tree is closed"}

	// ErrQueueFull is returned by TryInsert and TryRemove when the update
	// queue has no room.
	ErrQueueFull = &errors.Error{Code: errors.EUnavailable, Msg: "revision tree update queue is full"}

	// ErrAlreadyOpen is returned when opening a tree twice.
	ErrAlreadyOpen = &errors.Error{Code: errors.EConflict, Msg: "revision tree already open"}
)

// Node is a leaf bucket or an internal node of a tree.
type Node struct {
	Count uint64 `json:"count"`
	Hash  uint64 `json:"hash"`
}

// DocumentSource supplies the authoritative revisions of a shard.
type DocumentSource interface {
	ForEachRevision(ctx context.Context, fn func(key string, rev uint64) error) error
}

// Snapshotter is implemented by sources that change while they are read.
// SnapshotRevisions returns a point in time copy of the revisions.
type Snapshotter interface {
	SnapshotRevisions(ctx context.Context) (DocumentSource, error)
}

// PendingUpdates counts queued mutations that are not yet part of the tree.
type PendingUpdates struct {
	Inserts   uint64 `json:"inserts"`
	Removes   uint64 `json:"removes"`
	Truncates uint64 `json:"truncates"`
}

// Zero reports whether nothing is pending.
func (p PendingUpdates) Zero() bool {
	return p.Inserts == 0 && p.Removes == 0 && p.Truncates == 0
}

// Tree is the revision tree of one shard replica.
type Tree struct {
	mu      sync.RWMutex
	shardID string
	config  Config
	leaves  int
	offsets []int // index of the first node of each level
	nodes   []Node

	// epoch is bumped by Rebuild. Updates queued in an earlier epoch are
	// dropped by the drain.
	epoch uint64
	// gen is bumped on every change to nodes.
	gen          uint64
	needsRebuild bool
	changed      chan struct{}

	queue     chan update
	inserts   atomic.Uint64
	removes   atomic.Uint64
	truncates atomic.Uint64

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	opened  bool

	metrics *treeMetrics
	logger  *zap.Logger
}

// NewTree returns an empty tree for shardID. Call Open to start draining
// queued updates.
func NewTree(shardID string, c Config) (*Tree, error) {
	if err := c.Validate(); err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: "revtree.NewTree", Err: err}
	}

	leaves := leafCount(c.Branching, c.Depth)
	offsets := make([]int, c.Depth+1)
	width, total := 1, 0
	for level := range offsets {
		offsets[level] = total
		total += width
		width *= c.Branching
	}

	t := &Tree{
		shardID: shardID,
		config:  c,
		leaves:  leaves,
		offsets: offsets,
		nodes:   make([]Node, total),
		changed: make(chan struct{}),
		queue:   make(chan update, c.QueueSize),
		closing: make(chan struct{}),
		metrics: newTreeMetrics(shardID),
		logger:  zap.NewNop(),
	}
	t.rehashAll()
	return t, nil
}

// FromSource returns a ready tree holding the revisions of src. It is not
// opened and is typically used as a reference for comparisons.
func FromSource(ctx context.Context, shardID string, c Config, src DocumentSource) (*Tree, error) {
	t, err := NewTree(shardID, c)
	if err != nil {
		return nil, err
	}
	src, err = pin(ctx, src)
	if err != nil {
		return nil, &errors.Error{Op: "revtree.FromSource", Err: err}
	}
	leaves, err := t.hashSource(ctx, src)
	if err != nil {
		return nil, &errors.Error{Op: "revtree.FromSource", Err: err}
	}
	t.mu.Lock()
	t.install(leaves)
	t.mu.Unlock()
	return t, nil
}

// WithLogger sets the logger on the tree.
func (t *Tree) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "revtree"), zap.String("shard", t.shardID))
}

// Open starts the background drain.
func (t *Tree) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closing:
		return ErrTreeClosed
	default:
	}
	if t.opened {
		return ErrAlreadyOpen
	}
	t.opened = true

	t.wg.Add(1)
	go t.drain()
	return nil
}

// Close stops the drain. Updates still queued stay pending.
func (t *Tree) Close() error {
	t.once.Do(func() { close(t.closing) })
	t.wg.Wait()
	return nil
}

// ShardID returns the shard the tree belongs to.
func (t *Tree) ShardID() string { return t.shardID }

// Branching returns the number of children of each internal node.
func (t *Tree) Branching() int { return t.config.Branching }

// Depth returns the number of levels below the root.
func (t *Tree) Depth() int { return t.config.Depth }

// Leaves returns the number of leaf buckets.
func (t *Tree) Leaves() int { return t.leaves }

// Bucket returns the leaf bucket of key.
func (t *Tree) Bucket(key string) int {
	return int(xxhash.Sum64String(key) % uint64(t.leaves))
}

// Node returns node i of level. Level 0 is the root and level Depth holds
// the leaf buckets.
func (t *Tree) Node(level, i int) Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[t.offsets[level]+i]
}

// Root returns the root node.
func (t *Tree) Root() Node { return t.Node(0, 0) }

// Count returns the number of revisions in the tree.
func (t *Tree) Count() uint64 { return t.Root().Count }

// Generation returns a counter that changes whenever the tree's hashes do.
func (t *Tree) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen
}

// Pending returns the number of queued updates by kind.
func (t *Tree) Pending() PendingUpdates {
	return PendingUpdates{
		Inserts:   t.inserts.Load(),
		Removes:   t.removes.Load(),
		Truncates: t.truncates.Load(),
	}
}

// NeedsRebuild reports whether the tree was loaded from a state that did not
// include all of its updates.
func (t *Tree) NeedsRebuild() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.needsRebuild
}

// Ready reports whether the tree reflects every update queued so far and can
// be compared with another tree.
func (t *Tree) Ready() bool {
	return t.Pending().Zero() && !t.NeedsRebuild()
}

// WaitReady blocks until the pending queue has drained or ctx is done.
// A tree that needs a rebuild never becomes ready on its own.
func (t *Tree) WaitReady(ctx context.Context) error {
	for {
		t.mu.RLock()
		ch := t.changed
		t.mu.RUnlock()

		if t.Ready() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Corrupt perturbs the bucket of key by count revisions. Only that bucket
// and its ancestors change.
func (t *Tree) Corrupt(key string, count uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perturb(t.Bucket(key), count, revisionHash(key, count))
}

// CorruptBucket perturbs leaf bucket by count revisions.
func (t *Tree) CorruptBucket(bucket int, count uint64) error {
	if bucket < 0 || bucket >= t.leaves {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "revtree.CorruptBucket",
			Msg:  fmt.Sprintf("bucket %d out of range [0,%d)", bucket, t.leaves),
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perturb(bucket, count, uint64(bucket)<<32|count)
	return nil
}

func (t *Tree) perturb(bucket int, count, h uint64) {
	leaf := &t.nodes[t.offsets[t.config.Depth]+bucket]
	leaf.Count += count
	leaf.Hash ^= h | 1
	t.rehashDirty(map[int]struct{}{bucket: {}})
	t.gen++
	t.logger.Warn("Corrupted revision tree bucket", zap.Int("bucket", bucket), zap.Uint64("count", count))
}

// Rebuild discards the tree and queued updates and rehashes the revisions
// of src. The source is hashed twice and the results must agree; if they do
// not, the tree is left unchanged and an ECorrupt error is returned.
//
// A source that implements Snapshotter is pinned first so that both passes
// see the same revisions while the source keeps changing.
func (t *Tree) Rebuild(ctx context.Context, src DocumentSource) error {
	const op = "revtree.Rebuild"

	src, err := pin(ctx, src)
	if err != nil {
		t.metrics.rebuilds.WithLabelValues("error").Inc()
		return &errors.Error{Op: op, Err: err}
	}
	leaves, err := t.hashSource(ctx, src)
	if err != nil {
		t.metrics.rebuilds.WithLabelValues("error").Inc()
		return &errors.Error{Op: op, Err: err}
	}
	reference, err := t.hashSource(ctx, src)
	if err != nil {
		t.metrics.rebuilds.WithLabelValues("error").Inc()
		return &errors.Error{Op: op, Err: err}
	}
	for i := range leaves {
		if leaves[i] != reference[i] {
			t.metrics.rebuilds.WithLabelValues("corrupt").Inc()
			return &errors.Error{
				Code: errors.ECorrupt,
				Op:   op,
				Msg:  fmt.Sprintf("rebuilt bucket %d does not match the document source", i),
			}
		}
	}

	t.mu.Lock()
	t.install(leaves)
	t.epoch++
	t.needsRebuild = false
	t.notify()
	t.mu.Unlock()

	t.metrics.rebuilds.WithLabelValues("ok").Inc()
	t.logger.Info("Rebuilt revision tree", zap.Uint64("revisions", t.Count()))
	return nil
}

// Invalidate flags the tree as needing a rebuild, for example after the
// source was replaced wholesale. The tree is not ready until rebuilt.
func (t *Tree) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.needsRebuild {
		return
	}
	t.needsRebuild = true
	t.notify()
	t.logger.Info("Revision tree invalidated")
}

func pin(ctx context.Context, src DocumentSource) (DocumentSource, error) {
	if s, ok := src.(Snapshotter); ok {
		return s.SnapshotRevisions(ctx)
	}
	return src, nil
}

func (t *Tree) hashSource(ctx context.Context, src DocumentSource) ([]Node, error) {
	leaves := make([]Node, t.leaves)
	err := src.ForEachRevision(ctx, func(key string, rev uint64) error {
		leaf := &leaves[t.Bucket(key)]
		leaf.Count++
		leaf.Hash ^= revisionHash(key, rev)
		return nil
	})
	return leaves, err
}

// install replaces the leaves and rehashes the tree. t.mu must be held.
func (t *Tree) install(leaves []Node) {
	copy(t.nodes[t.offsets[t.config.Depth]:], leaves)
	t.rehashAll()
	t.gen++
	t.metrics.count.Set(float64(t.nodes[0].Count))
}

// notify wakes up WaitReady callers. t.mu must be held.
func (t *Tree) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tree) rehashNode(level, i int) {
	b := t.config.Branching
	first := t.offsets[level+1] + i*b

	var count uint64
	var buf [16]byte
	d := xxhash.New()
	for _, c := range t.nodes[first : first+b] {
		count += c.Count
		binary.BigEndian.PutUint64(buf[:8], c.Count)
		binary.BigEndian.PutUint64(buf[8:], c.Hash)
		_, _ = d.Write(buf[:])
	}
	t.nodes[t.offsets[level]+i] = Node{Count: count, Hash: d.Sum64()}
}

func (t *Tree) rehashAll() {
	width := t.leaves
	for level := t.config.Depth - 1; level >= 0; level-- {
		width /= t.config.Branching
		for i := 0; i < width; i++ {
			t.rehashNode(level, i)
		}
	}
}

// rehashDirty recomputes the ancestors of the given leaves.
func (t *Tree) rehashDirty(dirty map[int]struct{}) {
	for level := t.config.Depth - 1; level >= 0; level-- {
		parents := make(map[int]struct{}, len(dirty))
		for i := range dirty {
			parents[i/t.config.Branching] = struct{}{}
		}
		for i := range parents {
			t.rehashNode(level, i)
		}
		dirty = parents
	}
}

func revisionHash(key string, rev uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rev)
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}
