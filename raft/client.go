package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/state"
)

// WriteOptions controls how long Write waits before returning.
//
// The wait levels are increasingly strict. WaitForCommit returns once a
// quorum stored the entry. WaitForSync additionally requires a quorum to
// have fsynced it. WaitForApplied additionally requires the local state
// machine to have applied it, and surfaces the entry's precondition outcome.
type WriteOptions struct {
	// ClientID identifies the submitter so that a retried write can be
	// recognized. A random id is generated when empty.
	ClientID      string
	Preconditions agency.Preconditions

	WaitForCommit  bool
	WaitForSync    bool
	WaitForApplied bool

	// Timeout bounds the wait. Defaults to the configured write timeout.
	Timeout time.Duration
}

func (o WriteOptions) waits() bool {
	return o.WaitForCommit || o.WaitForSync || o.WaitForApplied
}

// Write appends ops to the log and returns the index assigned to them.
//
// On ETimeout the returned index is still valid: the entry may yet commit,
// and Inquire tells whether it did. ENotLeader means this node does not lead
// or lost leadership before the entry committed.
func (n *Node) Write(ctx context.Context, ops agency.OperationSet, opts WriteOptions) (uint64, error) {
	const op = "raft.Write"

	if err := ops.Validate(); err != nil {
		return 0, err
	}

	e := &agency.LogEntry{
		Type:          agency.EntryCommand,
		ClientID:      opts.ClientID,
		Operations:    ops,
		Preconditions: opts.Preconditions,
	}
	if e.ClientID == "" {
		e.ClientID = uuid.NewString()
	}
	digest, err := e.Digest()
	if err != nil {
		return 0, &errors.Error{Code: errors.EInvalid, Op: op, Err: err}
	}

	n.mu.Lock()
	if !n.opened {
		n.mu.Unlock()
		return 0, agency.ErrClosed
	}
	if n.state != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		n.metrics.writes.WithLabelValues("not_leader").Inc()
		return 0, agency.NotLeaderError(op, leader)
	}

	// A resubmission the replay policy would skip is answered with the
	// index of the write it repeats, and with its outcome if still retained.
	if prev, ok := n.applier.Lookup(e.ClientID); ok && !n.applier.Policy().Admit(prev, ok, digest) {
		n.mu.Unlock()
		n.metrics.writes.WithLabelValues("duplicate").Inc()
		if opts.WaitForApplied {
			if res, ok := n.applier.Outcome(prev.Index); ok && res.Err != nil {
				return prev.Index, res.Err
			}
		}
		return prev.Index, nil
	}

	e.Index, e.Term = n.lastIndex+1, n.currentTerm
	e.Timestamp = n.Clock.Now().UTC()
	if err := n.appendLocal([]*agency.LogEntry{e}, opts.WaitForSync); err != nil {
		n.mu.Unlock()
		n.metrics.writes.WithLabelValues("error").Inc()
		return 0, err
	}
	if opts.WaitForSync {
		n.syncRequested = e.Index
	}
	n.advanceCommit()
	n.kickAll()
	term := n.currentTerm
	n.mu.Unlock()

	if !opts.waits() {
		n.metrics.writes.WithLabelValues("ok").Inc()
		return e.Index, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(n.config.WriteTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.waitWrite(ctx, e.Index, term, opts); err != nil {
		n.metrics.writes.WithLabelValues(resultLabel(err)).Inc()
		return e.Index, err
	}
	n.metrics.writes.WithLabelValues("ok").Inc()
	return e.Index, nil
}

// waitWrite blocks until the entry at index written in term reaches the
// levels requested by opts.
func (n *Node) waitWrite(ctx context.Context, index, term uint64, opts WriteOptions) error {
	const op = "raft.Write"

	for {
		n.mu.Lock()
		opened := n.opened
		committed := n.commitIndex >= index
		synced := n.syncCommitIndex >= index
		lost := n.currentTerm != term || n.state != Leader
		leader := n.leaderID
		ch := n.changed
		n.mu.Unlock()

		if !opened {
			return agency.ErrClosed
		}

		if lost {
			// The entry survives a leadership change only if it committed
			// before it, which the local log still shows by its term.
			if !committed || (opts.WaitForSync && !synced) {
				return agency.NotLeaderError(op, leader)
			}
			if t, err := n.termAt(index); err == nil && t != term {
				return agency.NotLeaderError(op, leader)
			}
		}

		done := committed &&
			(!opts.WaitForSync || synced) &&
			(!opts.WaitForApplied || n.applier.AppliedIndex() >= index)
		if done {
			if opts.WaitForApplied {
				if res, ok := n.applier.Outcome(index); ok && res.Err != nil {
					return res.Err
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return &errors.Error{
				Code: errors.ETimeout,
				Op:   op,
				Msg:  fmt.Sprintf("waiting for index %d; outcome unknown", index),
				Err:  ctx.Err(),
			}
		case <-ch:
		}
	}
}

func resultLabel(err error) string {
	switch errors.ErrorCode(err) {
	case errors.ETimeout:
		return "timeout"
	case errors.ENotLeader:
		return "not_leader"
	case errors.EPrecondition:
		return "precondition_failed"
	}
	return "error"
}

// Read returns the values of the keys that exist once the local state has
// applied at least waitForApplied.
func (n *Node) Read(ctx context.Context, keys []string, waitForApplied uint64) (map[string]interface{}, error) {
	if err := n.waitApplied(ctx, "raft.Read", waitForApplied); err != nil {
		return nil, err
	}
	m, _ := n.applier.Read(keys)
	return m, nil
}

// GetSnapshot returns a copy of the state once it reflects waitForIndex,
// along with the index it reflects.
func (n *Node) GetSnapshot(ctx context.Context, waitForIndex uint64) (*state.Tree, uint64, error) {
	if err := n.waitApplied(ctx, "raft.GetSnapshot", waitForIndex); err != nil {
		return nil, 0, err
	}
	t, idx := n.applier.Tree()
	return t, idx, nil
}

func (n *Node) waitApplied(ctx context.Context, op string, index uint64) error {
	if err := n.applier.WaitApplied(ctx, index); err != nil {
		return &errors.Error{
			Code: errors.ETimeout,
			Op:   op,
			Msg:  fmt.Sprintf("waiting for applied index %d", index),
			Err:  err,
		}
	}
	return nil
}

// Inquire returns the last applied index of each client, 0 when unknown.
func (n *Node) Inquire(clientIDs []string) map[string]uint64 {
	return n.applier.Inquire(clientIDs)
}

// Entries returns the log entries in [from, to]. Returns ECompacted when
// from precedes the first retained index.
func (n *Node) Entries(from, to uint64) ([]*agency.LogEntry, error) {
	first, err := n.store.FirstIndex()
	if err != nil {
		return nil, err
	}
	if from < first {
		return nil, agency.CompactedError("raft.Entries", from, first)
	}
	return n.store.Entries(from, to)
}
