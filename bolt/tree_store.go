package bolt

import (
	"context"
	"fmt"

	"github.com/influxdata/agency/kit/platform/errors"
	bolt "go.etcd.io/bbolt"
)

// TreeStore persists serialized revision trees keyed by shard id. It shares
// the bolt file of the LogStore it was created from.
type TreeStore struct {
	s *LogStore
}

// TreeStore returns a TreeStore backed by the same bolt file.
func (s *LogStore) TreeStore() *TreeStore {
	return &TreeStore{s: s}
}

// SaveTree stores the serialized tree of a shard.
func (t *TreeStore) SaveTree(ctx context.Context, shardID string, data []byte) error {
	return t.s.update(true, func(tx *bolt.Tx) error {
		return tx.Bucket(revtreesBucket).Put([]byte(shardID), data)
	})
}

// LoadTree returns the serialized tree of a shard.
func (t *TreeStore) LoadTree(ctx context.Context, shardID string) ([]byte, error) {
	var data []byte
	err := t.s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(revtreesBucket).Get([]byte(shardID))
		if v == nil {
			return &errors.Error{
				Code: errors.ENotFound,
				Op:   "bolt.LoadTree",
				Msg:  fmt.Sprintf("no revision tree stored for shard %q", shardID),
			}
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// DeleteTree removes the stored tree of a shard.
func (t *TreeStore) DeleteTree(ctx context.Context, shardID string) error {
	return t.s.update(true, func(tx *bolt.Tx) error {
		return tx.Bucket(revtreesBucket).Delete([]byte(shardID))
	})
}
