package revtree

import (
	"context"
	"sync/atomic"

	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

type updateKind uint8

const (
	updateInsert updateKind = iota
	updateRemove
	updateTruncate
)

func (k updateKind) String() string {
	switch k {
	case updateInsert:
		return "insert"
	case updateRemove:
		return "remove"
	case updateTruncate:
		return "truncate"
	}
	return "unknown"
}

type update struct {
	kind  updateKind
	key   string
	rev   uint64
	epoch uint64
}

// Insert queues the addition of a revision of key.
func (t *Tree) Insert(ctx context.Context, key string, rev uint64) error {
	return t.enqueue(ctx, update{kind: updateInsert, key: key, rev: rev})
}

// Remove queues the removal of a revision of key.
func (t *Tree) Remove(ctx context.Context, key string, rev uint64) error {
	return t.enqueue(ctx, update{kind: updateRemove, key: key, rev: rev})
}

// Truncate queues the removal of every revision. Updates queued after it
// are applied to the empty tree.
func (t *Tree) Truncate(ctx context.Context) error {
	return t.enqueue(ctx, update{kind: updateTruncate})
}

// TryInsert is like Insert but returns ErrQueueFull instead of waiting for
// room in the queue.
func (t *Tree) TryInsert(key string, rev uint64) error {
	return t.offer(update{kind: updateInsert, key: key, rev: rev})
}

// TryRemove is like Remove but returns ErrQueueFull instead of waiting for
// room in the queue.
func (t *Tree) TryRemove(key string, rev uint64) error {
	return t.offer(update{kind: updateRemove, key: key, rev: rev})
}

func (t *Tree) counter(k updateKind) *atomic.Uint64 {
	switch k {
	case updateRemove:
		return &t.removes
	case updateTruncate:
		return &t.truncates
	}
	return &t.inserts
}

// enqueue counts u as pending and blocks until the queue accepts it.
func (t *Tree) enqueue(ctx context.Context, u update) error {
	if err := t.begin(&u); err != nil {
		return err
	}

	var err error
	select {
	case t.queue <- u:
		return nil
	case <-t.closing:
		err = ErrTreeClosed
	case <-ctx.Done():
		err = &errors.Error{Code: errors.ETimeout, Op: "revtree.enqueue", Err: ctx.Err()}
	}
	t.abort(u)
	return err
}

// offer counts u as pending and queues it only if there is room.
func (t *Tree) offer(u update) error {
	if err := t.begin(&u); err != nil {
		return err
	}
	select {
	case t.queue <- u:
		return nil
	default:
	}
	t.abort(u)
	t.metrics.updates.WithLabelValues(u.kind.String(), "rejected").Inc()
	return ErrQueueFull
}

// begin stamps u with the current epoch and counts it as pending. The
// counter is incremented before u is queued so the tree is never reported
// ready while u is in flight.
func (t *Tree) begin(u *update) error {
	select {
	case <-t.closing:
		return ErrTreeClosed
	default:
	}

	t.mu.RLock()
	u.epoch = t.epoch
	t.mu.RUnlock()

	t.counter(u.kind).Add(1)
	t.metrics.pending.WithLabelValues(u.kind.String()).Inc()
	return nil
}

// abort releases the pending count of an update that was never queued.
func (t *Tree) abort(u update) {
	t.mu.Lock()
	t.counter(u.kind).Add(^uint64(0))
	t.metrics.pending.WithLabelValues(u.kind.String()).Dec()
	t.notify()
	t.mu.Unlock()
}

func (t *Tree) drain() {
	defer t.wg.Done()

	batch := make([]update, 0, t.config.BatchSize)
	for {
		select {
		case <-t.closing:
			return
		case u := <-t.queue:
			batch = append(batch[:0], u)
		}

	fill:
		for len(batch) < cap(batch) {
			select {
			case u := <-t.queue:
				batch = append(batch, u)
			default:
				break fill
			}
		}
		t.fold(batch)
	}
}

// fold applies a batch of updates, rehashes the touched subtrees and then
// releases the pending counters of the batch.
func (t *Tree) fold(batch []update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaves := t.nodes[t.offsets[t.config.Depth]:]
	dirty := make(map[int]struct{})
	all := false
	for _, u := range batch {
		outcome := "applied"
		switch {
		case u.epoch != t.epoch:
			outcome = "dropped"
		case u.kind == updateTruncate:
			for i := range leaves {
				leaves[i] = Node{}
			}
			all = true
		default:
			b := t.Bucket(u.key)
			leaf := &leaves[b]
			if u.kind == updateInsert {
				leaf.Count++
			} else if leaf.Count == 0 {
				outcome = "missing"
				t.logger.Debug("Removing revision from empty bucket", zap.String("key", u.key), zap.Uint64("rev", u.rev))
				break
			} else {
				leaf.Count--
			}
			leaf.Hash ^= revisionHash(u.key, u.rev)
			dirty[b] = struct{}{}
		}
		t.metrics.updates.WithLabelValues(u.kind.String(), outcome).Inc()
	}

	if all {
		t.rehashAll()
	} else if len(dirty) > 0 {
		t.rehashDirty(dirty)
	}
	t.gen++

	for _, u := range batch {
		t.counter(u.kind).Add(^uint64(0))
		t.metrics.pending.WithLabelValues(u.kind.String()).Dec()
	}
	t.metrics.count.Set(float64(t.nodes[0].Count))
	t.notify()
}
