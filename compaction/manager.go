// Package compaction replaces committed log prefixes with state snapshots.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/state"
	"go.uber.org/zap"
)

// replayBatchSize is the number of entries read from the store at a time
// while rebuilding the state at a new boundary.
const replayBatchSize = 1024

// ErrCompactionDisabled is returned by Compact when compaction is turned off.
var ErrCompactionDisabled = &errors.Error{Code: errors.EConflict, Msg: "compaction is disabled"}

// Source is the consensus node whose log is compacted.
type Source interface {
	Store() agency.LogStore
	// ReplicationHorizon bounds the boundary of a new record. Entries past
	// it may still be needed by a healthy follower.
	ReplicationHorizon() uint64
	ReplayPolicy() state.ReplayPolicy
}

// Manager periodically compacts the log of a Source.
//
// The state at a new boundary is rebuilt by replaying the entries since the
// previous boundary onto the previous snapshot in a scratch applier, so the
// live state machine and appends are never blocked.
type Manager struct {
	mu     sync.Mutex // serializes compactions
	config Config
	src    Source

	Clock   clock.Clock
	metrics *managerMetrics
	logger  *zap.Logger
}

// NewManager returns a manager compacting src.
func NewManager(c Config, src Source) *Manager {
	return &Manager{
		config:  c,
		src:     src,
		Clock:   clock.New(),
		metrics: newManagerMetrics(),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the manager.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "compaction"))
}

// Compact stores a compaction record whose boundary is upTo, clamped to the
// replication horizon, and prunes the log below it minus the keep size.
// Returns a nil record when the boundary would not advance.
func (m *Manager) Compact(ctx context.Context, upTo uint64) (*agency.CompactionRecord, error) {
	if !m.config.Enabled {
		return nil, ErrCompactionDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h := m.src.ReplicationHorizon(); upTo > h {
		m.logger.Debug("Clamping compaction to replication horizon", zap.Uint64("requested", upTo), zap.Uint64("horizon", h))
		upTo = h
	}

	store := m.src.Store()
	prev, err := store.LastCompaction()
	if err != nil {
		return nil, err
	}

	var prevBoundary uint64
	if prev != nil {
		prevBoundary = prev.BoundaryIndex
	}
	if upTo <= prevBoundary {
		return nil, nil
	}

	start := m.Clock.Now()
	scratch, err := m.replay(ctx, prev, upTo)
	if err != nil {
		if ctx.Err() != nil {
			m.metrics.compactions.WithLabelValues("canceled").Inc()
		} else {
			m.metrics.compactions.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	snap, err := scratch.Snapshot()
	if err != nil {
		return nil, err
	}
	rec := &agency.CompactionRecord{
		BoundaryIndex: upTo,
		BoundaryTerm:  scratch.AppliedTerm(),
		Snapshot:      snap,
		CreatedAt:     m.Clock.Now().UTC(),
	}

	pruneBelow := uint64(1)
	if upTo > m.config.KeepSize {
		pruneBelow = upTo - m.config.KeepSize
	}
	if err := store.Compact(rec, pruneBelow); err != nil {
		m.metrics.compactions.WithLabelValues("error").Inc()
		return nil, err
	}

	m.metrics.compactions.WithLabelValues("ok").Inc()
	m.metrics.boundary.Set(float64(upTo))
	m.metrics.snapshotBytes.Set(float64(len(snap)))
	m.metrics.duration.Observe(m.Clock.Since(start).Seconds())

	m.logger.Info("Compacted log",
		zap.Uint64("boundary_index", upTo),
		zap.Uint64("previous_boundary", prevBoundary),
		zap.Uint64("prune_below", pruneBelow),
		zap.String("snapshot_size", humanize.Bytes(uint64(len(snap)))))
	return rec, nil
}

// Replay rebuilds the state at index upTo in a scratch applier, starting
// from the last compaction record. It fails with ECompacted when upTo
// precedes that record.
func (m *Manager) Replay(ctx context.Context, upTo uint64) (*state.Applier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.src.Store().LastCompaction()
	if err != nil {
		return nil, err
	}
	if prev != nil && upTo < prev.BoundaryIndex {
		return nil, &errors.Error{
			Code: errors.ECompacted,
			Op:   "compaction.Replay",
			Msg:  fmt.Sprintf("index %d precedes compaction boundary %d", upTo, prev.BoundaryIndex),
		}
	}
	return m.replay(ctx, prev, upTo)
}

func (m *Manager) replay(ctx context.Context, prev *agency.CompactionRecord, upTo uint64) (*state.Applier, error) {
	const op = "compaction.replay"

	scratch := state.NewApplier(m.src.ReplayPolicy())
	var lo uint64 = 1
	if prev != nil {
		if err := scratch.Restore(prev.Snapshot); err != nil {
			return nil, err
		}
		lo = prev.BoundaryIndex + 1
	}

	store := m.src.Store()
	for ; lo <= upTo; lo += replayBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hi := lo + replayBatchSize - 1
		if hi > upTo {
			hi = upTo
		}
		entries, err := store.Entries(lo, hi)
		if err != nil {
			return nil, &errors.Error{Code: errors.ErrorCode(err), Op: op, Err: err}
		}
		for _, e := range entries {
			if _, err := scratch.Apply(e); err != nil {
				return nil, err
			}
		}
	}
	if got := scratch.AppliedIndex(); got != upTo {
		return nil, agency.CorruptStateError(op, fmt.Errorf("replay reached index %d, expected %d", got, upTo))
	}
	return scratch, nil
}

// Run compacts the log whenever the replication horizon is at least a step
// past the last boundary. It returns when ctx is done, or immediately when
// compaction is disabled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Compaction disabled; the log will grow without bound")
		return nil
	}

	ticker := m.Clock.Ticker(time.Duration(m.config.Interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.maybeCompact(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Compaction failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) maybeCompact(ctx context.Context) (*agency.CompactionRecord, error) {
	bounds, err := m.src.Store().Compactions()
	if err != nil {
		return nil, err
	}
	var boundary uint64
	if len(bounds) > 0 {
		boundary = bounds[len(bounds)-1]
	}

	h := m.src.ReplicationHorizon()
	if h < boundary+m.config.StepSize {
		return nil, nil
	}
	return m.Compact(ctx, h)
}
