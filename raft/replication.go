package raft

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

// kickAll wakes every replicator. mu must be held.
func (n *Node) kickAll() {
	for _, p := range n.peers {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// replicate sends entries to one follower until leadership of term ends.
func (n *Node) replicate(p *peerProgress, term uint64, done <-chan struct{}) {
	defer n.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-p.kick:
		}

		// Keep sending while the follower is behind so that catching up
		// does not wait for heartbeats.
		for n.sendAppend(p, term) {
			select {
			case <-done:
				return
			default:
			}
		}
	}
}

// sendAppend sends one AppendEntries or InstallSnapshot request to a follower.
// Returns true if more entries remain to be sent immediately.
func (n *Node) sendAppend(p *peerProgress, term uint64) bool {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return false
	}

	first, err := n.store.FirstIndex()
	if err != nil {
		n.mu.Unlock()
		n.logger.Error("Failed to read first index", zap.Error(err))
		return false
	}

	prevIndex := p.nextIndex - 1
	prevTerm, terr := n.termAt(prevIndex)
	if p.nextIndex < first || terr != nil {
		n.mu.Unlock()
		return n.sendSnapshot(p, term)
	}

	var entries []*agency.LogEntry
	if p.nextIndex <= n.lastIndex {
		hi := p.nextIndex + uint64(n.config.MaxAppendEntries) - 1
		if entries, err = n.store.Entries(p.nextIndex, hi); err != nil {
			n.mu.Unlock()
			if errors.ErrorCode(err) == errors.ECompacted {
				return n.sendSnapshot(p, term)
			}
			n.logger.Error("Failed to read entries", zap.Error(err))
			return false
		}
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
		Sync:         n.syncRequested > p.syncIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.config.RPCTimeout))
	resp, err := n.transport.AppendEntries(ctx, p.peer, req)
	cancel()
	if err != nil {
		n.logger.Debug("Append entries failed", zap.Uint64("peer_id", p.peer.ID), zap.Error(err))
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.stepDown(resp.Term, 0)
		return false
	}
	if n.state != Leader || n.currentTerm != term {
		return false
	}
	p.lastContact = n.Clock.Now()

	if !resp.Success {
		next := p.nextIndex - 1
		if resp.LastIndex+1 < next {
			next = resp.LastIndex + 1
		}
		if next < 1 {
			next = 1
		}
		p.nextIndex = next
		return true
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))
	if match > p.matchIndex {
		p.matchIndex = match
	}
	p.nextIndex = p.matchIndex + 1
	if synced := minUint64(resp.SyncedIndex, match); synced > p.syncIndex {
		p.syncIndex = synced
	}
	n.advanceCommit()
	return p.nextIndex <= n.lastIndex
}

// sendSnapshot ships the last compaction record to a follower.
func (n *Node) sendSnapshot(p *peerProgress, term uint64) bool {
	rec, err := n.store.LastCompaction()
	if err != nil || rec == nil {
		n.logger.Error("No snapshot available for lagging follower", zap.Uint64("peer_id", p.peer.ID), zap.Error(err))
		return false
	}

	req := &InstallSnapshotRequest{
		Term:          term,
		LeaderID:      n.id,
		BoundaryIndex: rec.BoundaryIndex,
		BoundaryTerm:  rec.BoundaryTerm,
		Snapshot:      rec.Snapshot,
	}
	n.logger.Info("Sending snapshot",
		zap.Uint64("peer_id", p.peer.ID),
		zap.Uint64("boundary_index", rec.BoundaryIndex))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.config.RPCTimeout))
	resp, err := n.transport.InstallSnapshot(ctx, p.peer, req)
	cancel()
	if err != nil {
		n.logger.Debug("Install snapshot failed", zap.Uint64("peer_id", p.peer.ID), zap.Error(err))
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.stepDown(resp.Term, 0)
		return false
	}
	if n.state != Leader || n.currentTerm != term {
		return false
	}
	p.lastContact = n.Clock.Now()
	if rec.BoundaryIndex > p.matchIndex {
		p.matchIndex = rec.BoundaryIndex
		p.syncIndex = rec.BoundaryIndex
	}
	p.nextIndex = p.matchIndex + 1
	n.advanceCommit()
	return p.nextIndex <= n.lastIndex
}

// advanceCommit moves the commit index to the highest entry of the current
// term stored on a quorum, and the sync commit index to the highest committed
// entry fsynced on a quorum. mu must be held.
func (n *Node) advanceCommit() {
	if n.state != Leader {
		return
	}

	matches := []uint64{n.lastIndex}
	syncs := []uint64{n.syncedIndex}
	for _, p := range n.peers {
		matches = append(matches, p.matchIndex)
		syncs = append(syncs, p.syncIndex)
	}
	q := n.cluster.Quorum()
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	sort.Slice(syncs, func(i, j int) bool { return syncs[i] > syncs[j] })

	changed := false
	if c := matches[q-1]; c > n.commitIndex {
		// Entries of earlier terms are only committed indirectly.
		if t, err := n.termAt(c); err == nil && t == n.currentTerm {
			n.commitIndex = c
			changed = true
		}
	}
	if s := minUint64(syncs[q-1], n.commitIndex); s > n.syncCommitIndex {
		n.syncCommitIndex = s
		changed = true
	}
	if changed {
		n.notify()
	}
}

// HandleAppendEntries processes an AppendEntries request from a leader.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return nil, agency.ErrClosed
	}

	resp := &AppendEntriesResponse{Term: n.currentTerm, LastIndex: n.lastIndex}
	if req.Term < n.currentTerm {
		n.logger.Debug("Rejecting append", zap.Uint64("term", req.Term), zap.Error(ErrStaleTerm))
		return resp, nil
	}
	if req.Term > n.currentTerm || n.state != Follower || n.leaderID != req.LeaderID {
		n.stepDown(req.Term, req.LeaderID)
	}
	n.lastHeard = n.Clock.Now()
	resp.Term = n.currentTerm

	first, err := n.store.FirstIndex()
	if err != nil {
		return nil, err
	}

	// Entries below the first retained index are compacted and therefore
	// committed, so they match the leader's log by definition.
	if req.PrevLogIndex > n.lastIndex {
		return resp, nil
	} else if req.PrevLogIndex >= first {
		t, err := n.termAt(req.PrevLogIndex)
		if err != nil {
			return nil, err
		}
		if t != req.PrevLogTerm {
			resp.LastIndex = req.PrevLogIndex - 1
			return resp, nil
		}
	}

	var rest []*agency.LogEntry
	for i, e := range req.Entries {
		if e.Index < first {
			continue
		}
		if e.Index <= n.lastIndex {
			t, err := n.termAt(e.Index)
			if err != nil {
				return nil, err
			}
			if t == e.Term {
				continue
			}
			if e.Index <= n.commitIndex {
				return nil, agency.CorruptStateError("raft.HandleAppendEntries",
					fmt.Errorf("leader %d conflicts with committed entry %d", req.LeaderID, e.Index))
			}
			if err := n.truncate(e.Index); err != nil {
				return nil, err
			}
		}
		rest = req.Entries[i:]
		break
	}

	if len(rest) > 0 {
		if err := n.appendLocal(rest, req.Sync); err != nil {
			return nil, err
		}
	}
	if req.Sync && n.syncedIndex < n.lastIndex {
		if err := n.store.Sync(); err != nil {
			return nil, err
		}
		n.syncedIndex = n.lastIndex
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if c := minUint64(req.LeaderCommit, lastNew); c > n.commitIndex {
		n.commitIndex = c
		n.notify()
	}

	resp.Success = true
	resp.LastIndex = n.lastIndex
	resp.SyncedIndex = n.syncedIndex
	return resp, nil
}

// truncate removes uncommitted entries from index onwards. mu must be held.
func (n *Node) truncate(index uint64) error {
	n.logger.Info("Truncating conflicting entries", zap.Uint64("index", index), zap.Uint64("last_index", n.lastIndex))
	if err := n.store.TruncateSuffix(index); err != nil {
		return err
	}
	n.lastIndex = index - 1
	t, err := n.termAt(n.lastIndex)
	if err != nil {
		return err
	}
	n.lastTerm = t
	if n.syncedIndex > n.lastIndex {
		n.syncedIndex = n.lastIndex
	}
	return nil
}

// HandleRequestVote processes a vote request from a candidate.
func (n *Node) HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return nil, agency.ErrClosed
	}

	if req.Term < n.currentTerm {
		n.logger.Debug("Vote denied", zap.Uint64("candidate_id", req.CandidateID), zap.Error(ErrStaleTerm))
		return &VoteResponse{Term: n.currentTerm}, nil
	} else if req.Term > n.currentTerm {
		n.stepDown(req.Term, 0)
	}

	resp := &VoteResponse{Term: n.currentTerm}
	if n.votedFor != 0 && n.votedFor != req.CandidateID {
		n.logger.Debug("Vote denied", zap.Uint64("candidate_id", req.CandidateID), zap.Error(ErrAlreadyVoted))
		return resp, nil
	}
	if req.LastLogTerm < n.lastTerm || (req.LastLogTerm == n.lastTerm && req.LastLogIndex < n.lastIndex) {
		n.logger.Debug("Vote denied", zap.Uint64("candidate_id", req.CandidateID), zap.Error(ErrOutOfDateLog))
		return resp, nil
	}

	n.votedFor = req.CandidateID
	if err := n.persistHardState(); err != nil {
		return nil, err
	}
	n.lastHeard = n.Clock.Now()
	resp.Granted = true
	return resp, nil
}

// HandleInstallSnapshot replaces the local log and state with the leader's
// compaction record.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return nil, agency.ErrClosed
	}

	resp := &InstallSnapshotResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp, nil
	}
	if req.Term > n.currentTerm || n.state != Follower || n.leaderID != req.LeaderID {
		n.stepDown(req.Term, req.LeaderID)
	}
	n.lastHeard = n.Clock.Now()
	resp.Term = n.currentTerm

	if req.BoundaryIndex <= n.applier.AppliedIndex() {
		return resp, nil
	}

	rec := &agency.CompactionRecord{
		BoundaryIndex: req.BoundaryIndex,
		BoundaryTerm:  req.BoundaryTerm,
		Snapshot:      req.Snapshot,
		CreatedAt:     n.Clock.Now().UTC(),
	}
	if err := n.store.InstallSnapshot(rec); err != nil {
		return nil, err
	}
	if err := n.applier.Restore(req.Snapshot); err != nil {
		return nil, err
	}

	n.lastIndex, n.lastTerm = req.BoundaryIndex, req.BoundaryTerm
	n.syncedIndex = req.BoundaryIndex
	if n.commitIndex < req.BoundaryIndex {
		n.commitIndex = req.BoundaryIndex
	}
	n.logger.Info("Installed snapshot",
		zap.Uint64("boundary_index", req.BoundaryIndex),
		zap.Uint64("boundary_term", req.BoundaryTerm))
	n.notify()
	return resp, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
