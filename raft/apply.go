package raft

import (
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

// applyLoop applies committed entries to the state machine in index order.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.closing:
			return
		default:
		}

		n.mu.Lock()
		commit, ch := n.commitIndex, n.changed
		n.mu.Unlock()

		if n.applier.AppliedIndex() < commit {
			err := n.applyBatch(commit)
			if err == nil {
				continue
			}
			n.logger.Error("Failed to apply committed entries", zap.Uint64("commit_index", commit), zap.Error(err))
		}

		select {
		case <-n.closing:
			return
		case <-ch:
		}
	}
}

// applyBatch applies up to ApplyBatchSize committed entries. When the next
// entry has been compacted away the state is restored from the last
// compaction record instead.
func (n *Node) applyBatch(commit uint64) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	applied := n.applier.AppliedIndex()
	if applied >= commit {
		return nil
	}
	hi := minUint64(commit, applied+uint64(n.config.ApplyBatchSize))

	entries, err := n.store.Entries(applied+1, hi)
	if errors.ErrorCode(err) == errors.ECompacted {
		rec, rerr := n.store.LastCompaction()
		if rerr != nil {
			return rerr
		} else if rec == nil || rec.BoundaryIndex <= applied {
			return err
		}
		n.logger.Info("Restoring state from compaction record", zap.Uint64("boundary_index", rec.BoundaryIndex))
		if err := n.applier.Restore(rec.Snapshot); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if err := n.applyEntries(entries); err != nil {
		return err
	}

	n.mu.Lock()
	n.notify()
	n.mu.Unlock()
	return nil
}

func (n *Node) applyEntries(entries []*agency.LogEntry) error {
	for _, e := range entries {
		if _, err := n.applier.Apply(e); err != nil {
			return err
		}
	}
	return nil
}
