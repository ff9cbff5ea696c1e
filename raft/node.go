package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State represents whether the node is a follower, candidate, or leader.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// peerProgress is the leader's view of one follower.
type peerProgress struct {
	peer        *Peer
	nextIndex   uint64 // next entry to send
	matchIndex  uint64 // highest entry known to be stored
	syncIndex   uint64 // highest entry known to be fsynced
	lastContact time.Time
	kick        chan struct{}
}

// Node is a member of a replica set. It replicates the log held in its
// LogStore and applies committed entries to its state Applier.
type Node struct {
	mu sync.Mutex

	// applyMu is held while entries are applied or a snapshot is restored.
	// It is always acquired before mu.
	applyMu sync.Mutex

	id        uint64
	config    Config
	cluster   *Cluster
	store     agency.LogStore
	applier   *state.Applier
	transport Transport

	state       State
	currentTerm uint64 // current election term
	votedFor    uint64 // candidate voted for in current election term
	leaderID    uint64 // the current leader

	lastIndex       uint64 // highest entry written to the store
	lastTerm        uint64 // term of lastIndex
	syncedIndex     uint64 // highest entry fsynced locally
	syncRequested   uint64 // highest entry a writer asked to be fsynced
	commitIndex     uint64 // highest entry stored on a quorum
	syncCommitIndex uint64 // highest committed entry fsynced on a quorum

	lastHeard       time.Time
	electionTimeout time.Duration
	rand            *rand.Rand

	peers      map[uint64]*peerProgress
	leaderDone chan struct{}

	changed chan struct{} // closed and replaced on every state change
	closing chan struct{}
	wg      sync.WaitGroup
	opened  bool

	// Clock is an abstraction of the time package. By default it will use
	// a real-time clock but a mock clock can be used for testing.
	Clock clock.Clock

	metrics *nodeMetrics
	logger  *zap.Logger
}

// NewNode returns a node for the configured cluster. The node owns store
// and closes it on Close.
func NewNode(c Config, store agency.LogStore, transport Transport) (*Node, error) {
	if err := c.Validate(); err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: "raft.NewNode", Err: err}
	}
	cluster, err := c.Cluster()
	if err != nil {
		return nil, err
	}
	policy, err := state.ParseReplayPolicy(c.State.ReplayPolicy)
	if err != nil {
		return nil, err
	}

	return &Node{
		id:        c.ID,
		config:    c,
		cluster:   cluster,
		store:     store,
		applier:   state.NewApplier(policy),
		transport: transport,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(c.ID))),
		changed:   make(chan struct{}),
		Clock:     clock.New(),
		metrics:   newNodeMetrics(),
		logger:    zap.NewNop(),
	}, nil
}

// WithLogger sets the logger on the node and its applier.
func (n *Node) WithLogger(log *zap.Logger) {
	n.logger = log.With(zap.String("service", "raft"), zap.Uint64("node_id", n.id))
	n.applier.WithLogger(log)
}

// ID returns the node identifier.
func (n *Node) ID() uint64 { return n.id }

// Store returns the node's log store.
func (n *Node) Store() agency.LogStore { return n.store }

// Applier returns the node's state machine.
func (n *Node) Applier() *state.Applier { return n.applier }

// ReplayPolicy returns the client replay policy of the state machine.
func (n *Node) ReplayPolicy() state.ReplayPolicy { return n.applier.Policy() }

// Cluster returns a copy of the cluster membership.
func (n *Node) Cluster() *Cluster { return n.cluster.clone() }

// State returns the current state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Leader returns the id of the current leader, or 0 when unknown.
func (n *Node) Leader() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// IsLeader returns true if the node currently leads the cluster.
func (n *Node) IsLeader() bool { return n.State() == Leader }

// Open restores the node from its store and starts its background loops.
// A single member cluster elects itself immediately.
func (n *Node) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.opened {
		return ErrAlreadyOpen
	}

	hs, err := n.store.HardState()
	if err != nil {
		return err
	}
	n.currentTerm, n.votedFor = hs.Term, hs.VotedFor

	rec, err := n.store.LastCompaction()
	if err != nil {
		return err
	}
	if rec != nil {
		if err := n.applier.Restore(rec.Snapshot); err != nil {
			return err
		}
		n.commitIndex, n.syncCommitIndex = rec.BoundaryIndex, rec.BoundaryIndex
	}

	if n.lastIndex, err = n.store.LastIndex(); err != nil {
		return err
	}
	if n.lastTerm, err = n.termAt(n.lastIndex); err != nil {
		return err
	}
	n.syncedIndex = n.lastIndex

	n.closing = make(chan struct{})
	n.state = Follower
	n.lastHeard = n.Clock.Now()
	n.resetElectionTimeout()
	n.opened = true

	n.logger.Info("Node opened",
		zap.Uint64("term", n.currentTerm),
		zap.Uint64("last_index", n.lastIndex),
		zap.Uint64("applied_index", n.applier.AppliedIndex()),
		zap.Int("peers", len(n.cluster.Peers)))

	if len(n.cluster.Peers) == 1 {
		n.currentTerm++
		n.votedFor = n.id
		if err := n.persistHardState(); err != nil {
			return err
		}
		n.becomeLeader()
	}

	n.wg.Add(2)
	go n.tickLoop()
	go n.applyLoop()
	return nil
}

// Close stops the node and closes its store.
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.opened {
		n.mu.Unlock()
		return nil
	}
	n.opened = false
	close(n.closing)
	if n.leaderDone != nil {
		close(n.leaderDone)
		n.leaderDone = nil
	}
	n.notify()
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Info("Node closed")
	return n.store.Close()
}

// Drop closes the node and removes all of its persisted state.
func (n *Node) Drop() error {
	if err := n.Close(); err != nil {
		return err
	}
	return n.store.Drop()
}

// notify wakes every goroutine waiting on a state change. mu must be held.
func (n *Node) notify() {
	close(n.changed)
	n.changed = make(chan struct{})

	n.metrics.term.Set(float64(n.currentTerm))
	n.metrics.commitIndex.Set(float64(n.commitIndex))
	if n.state == Leader {
		n.metrics.leader.Set(1)
	} else {
		n.metrics.leader.Set(0)
	}
}

func (n *Node) persistHardState() error {
	return n.store.SetHardState(agency.HardState{Term: n.currentTerm, VotedFor: n.votedFor})
}

func (n *Node) resetElectionTimeout() {
	base := time.Duration(n.config.ElectionTimeout)
	n.electionTimeout = base + time.Duration(n.rand.Int63n(int64(base)))
}

// termAt returns the term of the entry at index, falling back to the
// compaction boundary when the entry has been pruned.
func (n *Node) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	e, err := n.store.Entry(index)
	if err == nil {
		return e.Term, nil
	} else if errors.ErrorCode(err) != errors.ECompacted {
		return 0, err
	}

	rec, rerr := n.store.LastCompaction()
	if rerr != nil {
		return 0, rerr
	}
	if rec != nil && rec.BoundaryIndex == index {
		return rec.BoundaryTerm, nil
	}
	return 0, err
}

// appendLocal writes entries to the store. mu must be held.
func (n *Node) appendLocal(entries []*agency.LogEntry, sync bool) error {
	if err := n.store.Append(entries, sync); err != nil {
		return err
	}
	last := entries[len(entries)-1]
	n.lastIndex, n.lastTerm = last.Index, last.Term
	if sync {
		n.syncedIndex = n.lastIndex
	}
	return nil
}

func (n *Node) tickLoop() {
	defer n.wg.Done()

	ticker := n.Clock.Ticker(time.Duration(n.config.HeartbeatInterval))
	defer ticker.Stop()

	for {
		select {
		case <-n.closing:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened {
		return
	}

	now := n.Clock.Now()
	switch n.state {
	case Leader:
		// Step down when a quorum has not been heard from for an election
		// timeout so that writes to a partitioned leader fail fast.
		alive := 1
		for _, p := range n.peers {
			if now.Sub(p.lastContact) < time.Duration(n.config.ElectionTimeout) {
				alive++
			}
		}
		if alive < n.cluster.Quorum() {
			n.logger.Warn("Lost contact with quorum, stepping down", zap.Uint64("term", n.currentTerm))
			n.stepDown(n.currentTerm, 0)
			return
		}
		n.kickAll()

	default:
		if now.Sub(n.lastHeard) >= n.electionTimeout {
			n.startElection()
		}
	}
}

// Elect forces an election. It does not guarantee that this node will become
// the leader.
func (n *Node) Elect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.opened {
		return agency.ErrClosed
	}
	if n.state == Leader {
		return nil
	}
	n.startElection()
	return nil
}

// startElection moves to a new term and requests votes. mu must be held.
func (n *Node) startElection() {
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = 0
	if err := n.persistHardState(); err != nil {
		n.logger.Error("Failed to persist vote", zap.Error(err))
		return
	}
	n.lastHeard = n.Clock.Now()
	n.resetElectionTimeout()
	n.metrics.elections.Inc()
	n.notify()

	n.logger.Info("Starting election", zap.Uint64("term", n.currentTerm))

	req := &VoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.lastIndex,
		LastLogTerm:  n.lastTerm,
	}
	n.wg.Add(1)
	go n.runElection(req)
}

func (n *Node) runElection(req *VoteRequest) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.config.RPCTimeout))
	defer cancel()

	votes := 1
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range n.cluster.Peers {
		if p.ID == n.id {
			continue
		}
		p := p
		g.Go(func() error {
			resp, err := n.transport.RequestVote(ctx, p, req)
			if err != nil {
				n.logger.Debug("Vote request failed", zap.Uint64("peer_id", p.ID), zap.Error(err))
				return nil
			}

			n.mu.Lock()
			defer n.mu.Unlock()
			if resp.Term > n.currentTerm {
				n.stepDown(resp.Term, 0)
				return nil
			}
			if !resp.Granted || n.state != Candidate || n.currentTerm != req.Term {
				return nil
			}
			if votes++; votes >= n.cluster.Quorum() {
				n.becomeLeader()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// becomeLeader starts replicating to every follower and appends a nop entry
// so that entries of earlier terms can commit. mu must be held.
func (n *Node) becomeLeader() {
	n.state = Leader
	n.leaderID = n.id
	n.leaderDone = make(chan struct{})

	now := n.Clock.Now()
	n.peers = make(map[uint64]*peerProgress)
	for _, p := range n.cluster.Peers {
		if p.ID == n.id {
			continue
		}
		pr := &peerProgress{
			peer:        p,
			nextIndex:   n.lastIndex + 1,
			lastContact: now,
			kick:        make(chan struct{}, 1),
		}
		n.peers[p.ID] = pr
		n.wg.Add(1)
		go n.replicate(pr, n.currentTerm, n.leaderDone)
	}

	nop := &agency.LogEntry{
		Type:      agency.EntryNop,
		Index:     n.lastIndex + 1,
		Term:      n.currentTerm,
		Timestamp: now.UTC(),
	}
	if err := n.appendLocal([]*agency.LogEntry{nop}, true); err != nil {
		n.logger.Error("Failed to append leader entry", zap.Error(err))
		n.stepDown(n.currentTerm, 0)
		return
	}

	n.logger.Info("Became leader", zap.Uint64("term", n.currentTerm), zap.Uint64("last_index", n.lastIndex))
	n.advanceCommit()
	n.kickAll()
	n.notify()
}

// stepDown reverts to follower, adopting term if it is newer. mu must be held.
func (n *Node) stepDown(term, leaderID uint64) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = 0
		if err := n.persistHardState(); err != nil {
			n.logger.Error("Failed to persist term", zap.Error(err))
		}
	}
	if n.state == Leader {
		n.logger.Info("Stepping down", zap.Uint64("term", n.currentTerm))
	}
	n.state = Follower
	n.leaderID = leaderID
	if n.leaderDone != nil {
		close(n.leaderDone)
		n.leaderDone = nil
	}
	n.peers = nil
	n.lastHeard = n.Clock.Now()
	n.resetElectionTimeout()
	n.notify()
}

// Status is a point in time summary of a node.
type Status struct {
	ID           uint64 `json:"id"`
	State        string `json:"state"`
	Term         uint64 `json:"term"`
	LeaderID     uint64 `json:"leaderID"`
	LastIndex    uint64 `json:"lastIndex"`
	CommitIndex  uint64 `json:"commitIndex"`
	AppliedIndex uint64 `json:"appliedIndex"`
}

// Status returns the current status of the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.id,
		State:        n.state.String(),
		Term:         n.currentTerm,
		LeaderID:     n.leaderID,
		LastIndex:    n.lastIndex,
		CommitIndex:  n.commitIndex,
		AppliedIndex: n.applier.AppliedIndex(),
	}
}

// CommitIndex returns the highest index known to be committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// ReplicationHorizon returns the highest index that every healthy follower
// has stored, bounded by the commit index. Followers not heard from within
// an election timeout are excluded and will be sent a snapshot instead.
func (n *Node) ReplicationHorizon() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	h := n.commitIndex
	if n.state != Leader {
		return h
	}
	now := n.Clock.Now()
	for _, p := range n.peers {
		if now.Sub(p.lastContact) >= time.Duration(n.config.ElectionTimeout) {
			continue
		}
		if p.matchIndex < h {
			h = p.matchIndex
		}
	}
	return h
}
