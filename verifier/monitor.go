package verifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/influxdata/agency/revtree"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Role is the role of a replica within its shard.
type Role string

// Replica roles.
const (
	Leader   Role = "leader"
	Follower Role = "follower"
)

// Replica is one copy of a shard together with its revision tree and the
// documents the tree is built from.
type Replica struct {
	Server string
	Role   Role
	Tree   *revtree.Tree
	Source revtree.DocumentSource
}

// Shard is a shard with one leader and zero or more followers.
type Shard struct {
	ID        string
	Leader    *Replica
	Followers []*Replica
}

// Replica returns the replica of s on server.
func (s *Shard) Replica(server string) (*Replica, bool) {
	if s.Leader != nil && s.Leader.Server == server {
		return s.Leader, true
	}
	for _, f := range s.Followers {
		if f.Server == server {
			return f, true
		}
	}
	return nil, false
}

// Report is the outcome of checking one follower against its leader.
type Report struct {
	ShardID  string `json:"shard"`
	Server   string `json:"server"`
	Result   Result `json:"result"`
	Skipped  bool   `json:"skipped,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
	Repaired string `json:"repaired,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Monitor periodically compares the revision trees of shard followers with
// their leader and rebuilds trees that diverge. It is the only link between
// the trees and the rest of the agency.
type Monitor struct {
	mu     sync.Mutex
	shards map[string]*Shard
	// failed holds replicas whose repair could not reconcile their tree.
	// They are reported but not repaired again until re-added.
	failed map[replicaID]error

	config  Config
	limiter *rate.Limiter

	Clock   clock.Clock
	metrics *monitorMetrics
	logger  *zap.Logger
}

// NewMonitor returns a monitor with no shards.
func NewMonitor(c Config) *Monitor {
	return &Monitor{
		shards:  make(map[string]*Shard),
		failed:  make(map[replicaID]error),
		config:  c,
		limiter: rate.NewLimiter(rate.Limit(c.RepairRate), c.RepairBurst),
		Clock:   clock.New(),
		metrics: newMonitorMetrics(),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the monitor.
func (m *Monitor) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "verifier"))
}

// AddShard registers s, replacing any shard with the same id.
func (m *Monitor) AddShard(s *Shard) error {
	if s.ID == "" || s.Leader == nil || s.Leader.Tree == nil {
		return &errors.Error{Code: errors.EInvalid, Op: "verifier.AddShard", Msg: "shard requires an id and a leader tree"}
	}
	for _, f := range s.Followers {
		if f.Tree == nil {
			return &errors.Error{Code: errors.EInvalid, Op: "verifier.AddShard", Msg: fmt.Sprintf("follower %s has no tree", f.Server)}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[s.ID] = s
	for k := range m.failed {
		if k.shard == s.ID {
			delete(m.failed, k)
		}
	}
	return nil
}

// RemoveShard unregisters a shard.
func (m *Monitor) RemoveShard(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, id)
}

// Shard returns the registered shard with id.
func (m *Monitor) Shard(id string) (*Shard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[id]
	return s, ok
}

// Shards returns the ids of the registered shards in order.
func (m *Monitor) Shards() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run checks all shards every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Consistency monitor is disabled")
		return nil
	}

	ticker := m.Clock.Ticker(time.Duration(m.config.Interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.CheckAll(ctx); err != nil {
				m.logger.Error("Revision tree repair failed", zap.Error(err))
			}
		}
	}
}

// CheckAll checks every shard concurrently. A failing shard does not stop
// the others. The returned error combines the repairs that failed.
func (m *Monitor) CheckAll(ctx context.Context) ([]Report, error) {
	start := m.Clock.Now()
	defer func() { m.metrics.duration.Observe(m.Clock.Since(start).Seconds()) }()

	var (
		mu      sync.Mutex
		reports []Report
		errs    error
		g       errgroup.Group
	)
	g.SetLimit(m.config.Concurrency)
	for _, id := range m.Shards() {
		id := id
		g.Go(func() error {
			rs, err := m.CheckShard(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, rs...)
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ShardID != reports[j].ShardID {
			return reports[i].ShardID < reports[j].ShardID
		}
		return reports[i].Server < reports[j].Server
	})
	return reports, errs
}

// CheckShard compares each follower of a shard with its leader and repairs
// divergent trees.
func (m *Monitor) CheckShard(ctx context.Context, id string) ([]Report, error) {
	s, ok := m.Shard(id)
	if !ok {
		return nil, &errors.Error{Code: errors.ENotFound, Op: "verifier.CheckShard", Msg: fmt.Sprintf("shard %q not found", id)}
	}

	var (
		reports []Report
		errs    error
	)
	for _, f := range s.Followers {
		rep, err := m.checkFollower(ctx, s, f)
		if err != nil {
			rep.Error = err.Error()
			errs = multierr.Append(errs, err)
		}
		reports = append(reports, rep)
	}
	return reports, errs
}

func (m *Monitor) checkFollower(ctx context.Context, s *Shard, f *Replica) (Report, error) {
	rep := Report{ShardID: s.ID, Server: f.Server}
	log := m.logger.With(zap.String("shard", s.ID), zap.String("server", f.Server))

	key := replicaID{shard: s.ID, server: f.Server}
	m.mu.Lock()
	failed := m.failed[key]
	m.mu.Unlock()
	if failed != nil {
		return rep, failed
	}

	res, err := m.verify(ctx, s.Leader.Tree, f.Tree)
	switch {
	case err == ErrNotReady && (s.Leader.Tree.NeedsRebuild() || f.Tree.NeedsRebuild()):
		log.Info("Revision tree needs a rebuild")
	case err == ErrNotReady:
		log.Debug("Skipping revision tree that is not ready")
		m.metrics.verifications.WithLabelValues("not_ready").Inc()
		rep.Skipped = true
		return rep, nil
	case err != nil:
		m.metrics.verifications.WithLabelValues("error").Inc()
		return rep, err
	case res.Equal:
		m.metrics.verifications.WithLabelValues("equal").Inc()
		m.metrics.divergent.WithLabelValues(s.ID, f.Server).Set(0)
		rep.Result = res
		return rep, nil
	default:
		m.metrics.verifications.WithLabelValues("divergent").Inc()
		m.metrics.divergent.WithLabelValues(s.ID, f.Server).Set(float64(res.Buckets()))
		rep.Result = res
		log.Warn("Revision trees diverge", zap.Error(&errors.Error{
			Code: errors.EDivergent,
			Op:   "verifier.CheckShard",
			Msg:  fmt.Sprintf("buckets %v differ from the leader", res.Divergent),
		}))
	}

	if !m.config.AutoRepair {
		return rep, nil
	}
	if !m.limiter.Allow() {
		log.Info("Deferring revision tree repair")
		m.metrics.repairs.WithLabelValues("deferred").Inc()
		rep.Deferred = true
		return rep, nil
	}

	// Rebuild the follower first, then the leader. Trees that agree with
	// their own documents but not with each other mean the documents differ.
	replicas := []*Replica{f, s.Leader}
	if s.Leader.Tree.NeedsRebuild() && !f.Tree.NeedsRebuild() {
		replicas[0], replicas[1] = s.Leader, f
	}
	for _, r := range replicas {
		if r.Source == nil {
			continue
		}
		if err := Repair(ctx, r.Tree, r.Source); err != nil {
			if errors.ErrorCode(err) == errors.ECorrupt {
				m.metrics.repairs.WithLabelValues("corrupt").Inc()
				m.mu.Lock()
				m.failed[key] = err
				m.mu.Unlock()
			} else {
				m.metrics.repairs.WithLabelValues("error").Inc()
			}
			return rep, err
		}
		rep.Repaired = r.Server

		res, err = m.verify(ctx, s.Leader.Tree, f.Tree)
		if err == ErrNotReady {
			continue
		} else if err != nil {
			m.metrics.repairs.WithLabelValues("error").Inc()
			return rep, err
		}
		rep.Result = res
		if res.Equal {
			log.Info("Repaired revision tree", zap.String("rebuilt", r.Server))
			m.metrics.repairs.WithLabelValues("ok").Inc()
			m.metrics.divergent.WithLabelValues(s.ID, f.Server).Set(0)
			return rep, nil
		}
	}

	if err != nil {
		m.metrics.repairs.WithLabelValues("error").Inc()
		return rep, err
	}

	m.metrics.repairs.WithLabelValues("unresolved").Inc()
	m.metrics.divergent.WithLabelValues(s.ID, f.Server).Set(float64(res.Buckets()))
	err = &errors.Error{
		Code: errors.EDivergent,
		Op:   "verifier.CheckShard",
		Msg:  fmt.Sprintf("documents of shard %s on %s differ from the leader in buckets %v", s.ID, f.Server, res.Divergent),
	}
	log.Error("Revision trees still diverge after rebuild", zap.Error(err))
	return rep, err
}

// verify waits for both trees to drain before comparing them. Trees that do
// not drain within the ready timeout are reported as not ready.
func (m *Monitor) verify(ctx context.Context, a, b *revtree.Tree) (Result, error) {
	if a.NeedsRebuild() || b.NeedsRebuild() {
		return Result{}, ErrNotReady
	}

	wctx, cancel := context.WithTimeout(ctx, time.Duration(m.config.ReadyTimeout))
	defer cancel()
	for _, t := range []*revtree.Tree{a, b} {
		if err := t.WaitReady(wctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, &errors.Error{Code: errors.ETimeout, Op: "verifier.verify", Err: ctx.Err()}
			}
			return Result{}, ErrNotReady
		}
	}
	return Verify(a, b)
}

type replicaID struct{ shard, server string }
