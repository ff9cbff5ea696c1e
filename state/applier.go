package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"go.uber.org/zap"
)

// outcomeRingSize is the number of recent entry outcomes kept for waiters.
const outcomeRingSize = 1024

// Outcome describes what applying an entry did.
type Outcome int

const (
	// OutcomeApplied means the entry's operations took effect.
	OutcomeApplied Outcome = iota
	// OutcomeNop means the entry carried no operations.
	OutcomeNop
	// OutcomePreconditionFailed means the entry was skipped because a
	// precondition did not hold.
	OutcomePreconditionFailed
	// OutcomeDuplicate means the replay policy skipped a resubmission.
	OutcomeDuplicate
	// OutcomeRejected means an operation failed and the entry was rolled back.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNop:
		return "nop"
	case OutcomePreconditionFailed:
		return "precondition_failed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the outcome of applying one entry.
type Result struct {
	Index   uint64
	Outcome Outcome
	// Err is set for OutcomePreconditionFailed and OutcomeRejected.
	Err error
}

// Applier applies committed log entries, strictly in index order, to a Tree.
// Application is a pure function of the entry sequence so every replica that
// applies the same sequence ends with the same state.
type Applier struct {
	mu       sync.RWMutex
	tree     *Tree
	tracker  *Tracker
	policy   ReplayPolicy
	applied  uint64
	term     uint64
	outcomes [outcomeRingSize]Result
	notify   chan struct{}

	observers []ProgressObserver

	metrics *applierMetrics
	logger  *zap.Logger
}

// NewApplier returns an applier with an empty tree.
func NewApplier(policy ReplayPolicy) *Applier {
	if policy == nil {
		policy = AuditOnly{}
	}
	return &Applier{
		tree:    NewTree(),
		tracker: NewTracker(),
		policy:  policy,
		notify:  make(chan struct{}),
		metrics: newApplierMetrics(),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the applier.
func (a *Applier) WithLogger(log *zap.Logger) {
	a.logger = log.With(zap.String("service", "applier"))
}

// Policy returns the replay policy in use.
func (a *Applier) Policy() ReplayPolicy { return a.policy }

// AppliedIndex returns the index of the last applied entry.
func (a *Applier) AppliedIndex() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.applied
}

// AppliedTerm returns the term of the last applied entry.
func (a *Applier) AppliedTerm() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.term
}

// Apply applies e, which must be the entry directly following the last
// applied one. Readers never observe a partially applied entry.
func (a *Applier) Apply(e *agency.LogEntry) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Index != a.applied+1 {
		err := agency.CorruptStateError("state.Apply",
			fmt.Errorf("entry %d applied out of order, last applied is %d", e.Index, a.applied))
		a.logger.Error("Out of order apply", zap.Uint64("index", e.Index), zap.Uint64("applied", a.applied))
		return Result{}, err
	}

	res := a.apply(e)
	a.applied, a.term = e.Index, e.Term
	a.outcomes[e.Index%outcomeRingSize] = res

	a.metrics.entries.WithLabelValues(res.Outcome.String()).Inc()
	a.metrics.appliedIndex.Set(float64(a.applied))
	a.metrics.clients.Set(float64(a.tracker.Len()))

	close(a.notify)
	a.notify = make(chan struct{})
	return res, nil
}

func (a *Applier) apply(e *agency.LogEntry) Result {
	res := Result{Index: e.Index}
	if e.Type == agency.EntryNop || len(e.Operations) == 0 {
		res.Outcome = OutcomeNop
		return res
	}

	digest, err := e.Digest()
	if err != nil {
		res.Outcome, res.Err = OutcomeRejected, err
		return res
	}

	prev, ok := a.tracker.Lookup(e.ClientID)
	if e.ClientID != "" {
		if !a.policy.Admit(prev, ok, digest) {
			a.logger.Debug("Skipping resubmitted entry",
				zap.Uint64("index", e.Index), zap.String("client_id", e.ClientID), zap.Uint64("first_index", prev.Index))
			res.Outcome = OutcomeDuplicate
			return res
		}
	}

	// Every admitted command advances its client, whatever the outcome.
	defer a.record(e, prev, ok, digest)

	if err := a.tree.Check(e.Preconditions); err != nil {
		a.logger.Debug("Precondition failed", zap.Uint64("index", e.Index), zap.Error(err))
		res.Outcome, res.Err = OutcomePreconditionFailed, err
		if errors.ErrorCode(err) != errors.EPrecondition {
			res.Outcome = OutcomeRejected
		}
		return res
	}

	if err := a.tree.Apply(e.Operations); err != nil {
		a.logger.Info("Entry rejected", zap.Uint64("index", e.Index), zap.Error(err))
		res.Outcome, res.Err = OutcomeRejected, err
		return res
	}

	res.Outcome = OutcomeApplied
	return res
}

// record stores the client's progress and notifies observers when the
// recorded index moved.
func (a *Applier) record(e *agency.LogEntry, prev Progress, ok bool, digest uint64) {
	if e.ClientID == "" {
		return
	}
	a.tracker.Record(e.ClientID, e.Index, digest)
	if ok && prev.Index >= e.Index {
		return
	}
	for _, o := range a.observers {
		o.Recorded(e.ClientID, prev.Index, e.Index)
	}
}

// Outcome returns the result of the entry at index if it is still retained.
func (a *Applier) Outcome(index uint64) (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if index == 0 || index > a.applied || a.applied-index >= outcomeRingSize {
		return Result{}, false
	}
	r := a.outcomes[index%outcomeRingSize]
	return r, r.Index == index
}

// WaitApplied blocks until the entry at index has been applied or ctx is done.
func (a *Applier) WaitApplied(ctx context.Context, index uint64) error {
	for {
		a.mu.RLock()
		applied, ch := a.applied, a.notify
		a.mu.RUnlock()

		if applied >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Read returns the values of the keys that exist, and the applied index at
// which they were read.
func (a *Applier) Read(keys []string) (map[string]interface{}, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	m := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := a.tree.Get(k); ok {
			m[k] = v
		}
	}
	return m, a.applied
}

// ProgressObserver is notified of changes to the client progress table.
// Observers are called with the applier locked and must neither block nor
// call back into it.
type ProgressObserver interface {
	// Recorded is called when the last applied index of a client moves
	// from prev to next. prev is 0 for a client seen for the first time.
	Recorded(clientID string, prev, next uint64)
	// Restored is called after the table was replaced by a snapshot.
	Restored()
}

// Observe registers o for every later change of the progress table.
func (a *Applier) Observe(o ProgressObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// ForEachRevision calls fn with the last applied index of every client, in
// client id order. The applier stays locked for reading during the walk.
func (a *Applier) ForEachRevision(ctx context.Context, fn func(clientID string, index uint64) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracker.progress().ForEachRevision(ctx, fn)
}

// Revisions returns a copy of the last applied index of every client.
func (a *Applier) Revisions() Revisions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracker.progress()
}

// Inquire returns the last applied index of each client, 0 when unknown.
func (a *Applier) Inquire(clientIDs []string) map[string]uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracker.Inquire(clientIDs)
}

// Lookup returns the recorded progress of a client.
func (a *Applier) Lookup(clientID string) (Progress, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracker.Lookup(clientID)
}

// Tree returns a copy of the state tree and the index it reflects.
func (a *Applier) Tree() (*Tree, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tree.Clone(), a.applied
}

// snapshot is the serialized form of the replicated state.
type snapshot struct {
	Index   uint64              `json:"index"`
	Term    uint64              `json:"term"`
	Tree    *Tree               `json:"tree"`
	Clients map[string]Progress `json:"clients"`
}

// Snapshot serializes the tree, the client progress table and the applied
// index. Identical states produce identical bytes.
func (a *Applier) Snapshot() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(snapshot{
		Index:   a.applied,
		Term:    a.term,
		Tree:    a.tree,
		Clients: a.tracker.clients,
	})
}

// Restore replaces the state with a snapshot produced by Snapshot.
func (a *Applier) Restore(b []byte) error {
	s := snapshot{Tree: NewTree()}
	if err := json.Unmarshal(b, &s); err != nil {
		return agency.CorruptStateError("state.Restore", err)
	}
	tracker := NewTracker()
	for k, v := range s.Clients {
		tracker.clients[k] = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tree, a.tracker = s.Tree, tracker
	a.applied, a.term = s.Index, s.Term
	a.outcomes = [outcomeRingSize]Result{}
	a.metrics.appliedIndex.Set(float64(a.applied))
	a.metrics.clients.Set(float64(a.tracker.Len()))
	for _, o := range a.observers {
		o.Restored()
	}

	close(a.notify)
	a.notify = make(chan struct{})
	return nil
}

// Digest returns a hash of the snapshot bytes.
func (a *Applier) Digest() (uint64, error) {
	b, err := a.Snapshot()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

// SnapshotIndex decodes the applied index recorded in a snapshot.
func SnapshotIndex(b []byte) (uint64, error) {
	var s struct {
		Index uint64 `json:"index"`
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return 0, err
	}
	return s.Index, nil
}
