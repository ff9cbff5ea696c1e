package verifier

import (
	"context"
	"fmt"

	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/revtree"
)

// Repair rebuilds tree from src and checks the rebuilt tree against src.
// A tree that still differs afterwards cannot be reconciled and an ECorrupt
// error is returned.
//
// A source that keeps changing, one implementing revtree.Snapshotter, is
// only checked by the rebuild itself, which hashes its snapshot twice.
func Repair(ctx context.Context, tree *revtree.Tree, src revtree.DocumentSource) error {
	const op = "verifier.Repair"

	if err := tree.Rebuild(ctx, src); err != nil {
		return err
	}
	if err := tree.WaitReady(ctx); err != nil {
		return &errors.Error{Code: errors.ETimeout, Op: op, Err: err}
	}
	if _, ok := src.(revtree.Snapshotter); ok {
		return nil
	}

	res, err := VerifySource(ctx, tree, src)
	if err != nil {
		return &errors.Error{Op: op, Err: err}
	} else if !res.Equal {
		return &errors.Error{
			Code: errors.ECorrupt,
			Op:   op,
			Msg:  fmt.Sprintf("shard %s still diverges from its documents after rebuild in buckets %v", tree.ShardID(), res.Divergent),
		}
	}
	return nil
}
