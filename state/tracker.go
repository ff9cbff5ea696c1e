package state

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/influxdata/agency/kit/platform/errors"
)

// Progress is the last entry applied for a client, whatever its outcome.
type Progress struct {
	Index  uint64 `json:"index"`
	Digest uint64 `json:"digest"`
}

// Tracker records, per client id, the last applied index and payload digest.
// It is part of the replicated state and is included in snapshots.
type Tracker struct {
	clients map[string]Progress
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{clients: make(map[string]Progress)}
}

// Record stores the progress of a client. A lower index never overwrites a
// higher one.
func (t *Tracker) Record(clientID string, index, digest uint64) {
	if clientID == "" {
		return
	}
	if p, ok := t.clients[clientID]; ok && p.Index > index {
		return
	}
	t.clients[clientID] = Progress{Index: index, Digest: digest}
}

// Lookup returns the progress recorded for clientID.
func (t *Tracker) Lookup(clientID string) (Progress, bool) {
	p, ok := t.clients[clientID]
	return p, ok
}

// Inquire returns the last applied index of each client, or 0 when unknown.
func (t *Tracker) Inquire(clientIDs []string) map[string]uint64 {
	m := make(map[string]uint64, len(clientIDs))
	for _, id := range clientIDs {
		m[id] = t.clients[id].Index
	}
	return m
}

// progress returns the last applied index of every client.
func (t *Tracker) progress() Revisions {
	r := make(Revisions, len(t.clients))
	for id, p := range t.clients {
		r[id] = p.Index
	}
	return r
}

// Revisions maps client ids to their last applied index.
type Revisions map[string]uint64

// ForEachRevision calls fn for every client in id order.
func (r Revisions) ForEachRevision(ctx context.Context, fn func(clientID string, index uint64) error) error {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return &errors.Error{Code: errors.ETimeout, Op: "state.ForEachRevision", Err: err}
			}
		}
		if err := fn(id, r[id]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of tracked clients.
func (t *Tracker) Len() int { return len(t.clients) }

func (t *Tracker) clone() *Tracker {
	other := NewTracker()
	for k, v := range t.clients {
		other.clients[k] = v
	}
	return other
}

// ReplayPolicy decides whether an entry from a client that has already been
// seen is applied.
type ReplayPolicy interface {
	// Admit returns false if the entry must be skipped. prev is the client's
	// recorded progress and ok reports whether one exists.
	Admit(prev Progress, ok bool, digest uint64) bool
	String() string
}

// Names of the available replay policies.
const (
	PolicyAuditOnly   = "audit-only"
	PolicyDeduplicate = "deduplicate"
)

// AuditOnly applies every entry and only records client progress.
type AuditOnly struct{}

// Admit always returns true.
func (AuditOnly) Admit(Progress, bool, uint64) bool { return true }

func (AuditOnly) String() string { return PolicyAuditOnly }

// Deduplicate skips an entry whose client id and payload digest match the
// client's last applied entry.
type Deduplicate struct{}

// Admit returns false for a resubmission of the client's last applied entry.
func (Deduplicate) Admit(prev Progress, ok bool, digest uint64) bool {
	return !ok || prev.Digest != digest
}

func (Deduplicate) String() string { return PolicyDeduplicate }

var policies = map[string]ReplayPolicy{
	PolicyAuditOnly:   AuditOnly{},
	PolicyDeduplicate: Deduplicate{},
}

// ParseReplayPolicy returns the policy registered under name.
func ParseReplayPolicy(name string) (ReplayPolicy, error) {
	if p, ok := policies[strings.ToLower(name)]; ok {
		return p, nil
	}
	names := make([]string, 0, len(policies))
	for k := range policies {
		names = append(names, k)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown replay policy %q, expected one of %s", name, strings.Join(names, ", "))
}
