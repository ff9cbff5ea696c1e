package raft

import (
	"context"
	"fmt"
	"sync"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
)

// LocalNetwork connects nodes running in one process. Nodes are addressed
// by peer id. Members can be partitioned from the rest of the network.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[uint64]RPCHandler
	isolated map[uint64]bool
}

// NewLocalNetwork returns an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[uint64]RPCHandler),
		isolated: make(map[uint64]bool),
	}
}

// Register attaches a handler to the network under id.
func (net *LocalNetwork) Register(id uint64, h RPCHandler) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.handlers[id] = h
}

// Unregister detaches the handler registered under id.
func (net *LocalNetwork) Unregister(id uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.handlers, id)
}

// Partition cuts ids off from every other member.
func (net *LocalNetwork) Partition(ids ...uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	for _, id := range ids {
		net.isolated[id] = true
	}
}

// Heal reconnects ids, or every member when none are given.
func (net *LocalNetwork) Heal(ids ...uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	if len(ids) == 0 {
		net.isolated = make(map[uint64]bool)
		return
	}
	for _, id := range ids {
		delete(net.isolated, id)
	}
}

// Transport returns the transport used by the member id to reach the others.
func (net *LocalNetwork) Transport(id uint64) *LocalTransport {
	return &LocalTransport{net: net, from: id}
}

func (net *LocalNetwork) route(ctx context.Context, from, to uint64) (RPCHandler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net.mu.RLock()
	defer net.mu.RUnlock()
	if net.isolated[from] || net.isolated[to] {
		return nil, &errors.Error{
			Code: errors.EUnavailable,
			Msg:  fmt.Sprintf("peer %d unreachable from %d", to, from),
		}
	}
	h, ok := net.handlers[to]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return h, nil
}

// LocalTransport delivers RPCs through a LocalNetwork.
type LocalTransport struct {
	net  *LocalNetwork
	from uint64
}

// AppendEntries sends a list of entries to a follower. Entries pass through
// their binary encoding so that sender and receiver never share them.
func (t *LocalTransport) AppendEntries(ctx context.Context, p *Peer, r *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h, err := t.net.route(ctx, t.from, p.ID)
	if err != nil {
		return nil, err
	}

	other := *r
	other.Entries = make([]*agency.LogEntry, len(r.Entries))
	for i, e := range r.Entries {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		other.Entries[i] = &agency.LogEntry{}
		if err := other.Entries[i].UnmarshalBinary(b); err != nil {
			return nil, err
		}
	}
	return h.HandleAppendEntries(ctx, &other)
}

// RequestVote requests a vote for a candidate in a given term.
func (t *LocalTransport) RequestVote(ctx context.Context, p *Peer, r *VoteRequest) (*VoteResponse, error) {
	h, err := t.net.route(ctx, t.from, p.ID)
	if err != nil {
		return nil, err
	}
	other := *r
	return h.HandleRequestVote(ctx, &other)
}

// InstallSnapshot sends a compaction record to a follower.
func (t *LocalTransport) InstallSnapshot(ctx context.Context, p *Peer, r *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	h, err := t.net.route(ctx, t.from, p.ID)
	if err != nil {
		return nil, err
	}
	other := *r
	other.Snapshot = append([]byte(nil), r.Snapshot...)
	return h.HandleInstallSnapshot(ctx, &other)
}
