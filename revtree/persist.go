package revtree

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

// Store persists serialized trees by shard id.
type Store interface {
	SaveTree(ctx context.Context, shardID string, data []byte) error
	LoadTree(ctx context.Context, shardID string) ([]byte, error)
}

const (
	treeFormatVersion = 1

	// version, branching, depth and the three pending counters.
	treeHeaderSize = 1 + 4 + 4 + 3*8
)

// MarshalBinary encodes the leaf buckets and the pending counters. Internal
// nodes are recomputed when decoding.
func (t *Tree) MarshalBinary() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pending := t.Pending()
	b := make([]byte, treeHeaderSize, treeHeaderSize+16*t.leaves)
	b[0] = treeFormatVersion
	binary.BigEndian.PutUint32(b[1:5], uint32(t.config.Branching))
	binary.BigEndian.PutUint32(b[5:9], uint32(t.config.Depth))
	binary.BigEndian.PutUint64(b[9:17], pending.Inserts)
	binary.BigEndian.PutUint64(b[17:25], pending.Removes)
	binary.BigEndian.PutUint64(b[25:33], pending.Truncates)

	var buf [16]byte
	for _, n := range t.nodes[t.offsets[t.config.Depth]:] {
		binary.BigEndian.PutUint64(buf[:8], n.Count)
		binary.BigEndian.PutUint64(buf[8:], n.Hash)
		b = append(b, buf[:]...)
	}
	return snappy.Encode(nil, b), nil
}

// Save writes the tree to s.
func (t *Tree) Save(ctx context.Context, s Store) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.SaveTree(ctx, t.shardID, data); err != nil {
		return &errors.Error{Op: "revtree.Save", Err: err}
	}
	return nil
}

// Load replaces the tree with the one stored in s. A missing tree leaves the
// tree empty. The tree is flagged as needing a rebuild when the stored tree
// had pending updates or a different shape.
func (t *Tree) Load(ctx context.Context, s Store) error {
	const op = "revtree.Load"

	data, err := s.LoadTree(ctx, t.shardID)
	if errors.ErrorCode(err) == errors.ENotFound {
		return nil
	} else if err != nil {
		return &errors.Error{Op: op, Err: err}
	}

	b, err := snappy.Decode(nil, data)
	if err != nil {
		return &errors.Error{Code: errors.ECorrupt, Op: op, Err: err}
	} else if len(b) < treeHeaderSize {
		return &errors.Error{Code: errors.ECorrupt, Op: op, Msg: fmt.Sprintf("stored tree too short: %d bytes", len(b))}
	} else if b[0] != treeFormatVersion {
		return &errors.Error{Code: errors.ECorrupt, Op: op, Msg: fmt.Sprintf("unsupported tree format %d", b[0])}
	}

	branching := int(binary.BigEndian.Uint32(b[1:5]))
	depth := int(binary.BigEndian.Uint32(b[5:9]))
	pending := PendingUpdates{
		Inserts:   binary.BigEndian.Uint64(b[9:17]),
		Removes:   binary.BigEndian.Uint64(b[17:25]),
		Truncates: binary.BigEndian.Uint64(b[25:33]),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if branching != t.config.Branching || depth != t.config.Depth {
		t.logger.Warn("Stored revision tree has a different shape",
			zap.Int("branching", branching), zap.Int("depth", depth))
		t.needsRebuild = true
		t.notify()
		return nil
	}

	body := b[treeHeaderSize:]
	if len(body) != 16*t.leaves {
		return &errors.Error{Code: errors.ECorrupt, Op: op, Msg: fmt.Sprintf("stored tree has %d bytes of buckets, expected %d", len(body), 16*t.leaves)}
	}
	leaves := make([]Node, t.leaves)
	for i := range leaves {
		leaves[i].Count = binary.BigEndian.Uint64(body[i*16:])
		leaves[i].Hash = binary.BigEndian.Uint64(body[i*16+8:])
	}

	t.install(leaves)
	t.epoch++
	t.needsRebuild = !pending.Zero()
	if t.needsRebuild {
		t.logger.Warn("Stored revision tree had pending updates",
			zap.Uint64("inserts", pending.Inserts),
			zap.Uint64("removes", pending.Removes),
			zap.Uint64("truncates", pending.Truncates))
	}
	t.notify()
	return nil
}
