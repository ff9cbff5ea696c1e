package raft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	kithttp "github.com/influxdata/agency/kit/transport/http"
)

// Transport sends consensus RPCs to other members of the cluster.
type Transport interface {
	AppendEntries(ctx context.Context, p *Peer, r *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, p *Peer, r *VoteRequest) (*VoteResponse, error)
	InstallSnapshot(ctx context.Context, p *Peer, r *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// RPCHandler receives consensus RPCs. Node implements RPCHandler.
type RPCHandler interface {
	HandleAppendEntries(ctx context.Context, r *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleRequestVote(ctx context.Context, r *VoteRequest) (*VoteResponse, error)
	HandleInstallSnapshot(ctx context.Context, r *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

var _ RPCHandler = (*Node)(nil)

// TransportMux is a transport multiplexer. It delegates requests to the
// transport registered for the scheme of the peer's URL.
type TransportMux struct {
	m map[string]Transport
}

// NewTransportMux returns a new instance of TransportMux.
func NewTransportMux() *TransportMux {
	return &TransportMux{m: make(map[string]Transport)}
}

// Handle registers a transport for a given scheme.
func (mux *TransportMux) Handle(scheme string, t Transport) {
	mux.m[scheme] = t
}

func (mux *TransportMux) transport(p *Peer) (Transport, error) {
	if p.URL == nil {
		return nil, ErrUnknownPeer
	}
	if t, ok := mux.m[p.URL.Scheme]; ok {
		return t, nil
	}
	return nil, &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("transport scheme not supported: %s", p.URL.Scheme),
	}
}

// AppendEntries sends a list of entries to a follower.
func (mux *TransportMux) AppendEntries(ctx context.Context, p *Peer, r *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	t, err := mux.transport(p)
	if err != nil {
		return nil, err
	}
	return t.AppendEntries(ctx, p, r)
}

// RequestVote requests a vote for a candidate in a given term.
func (mux *TransportMux) RequestVote(ctx context.Context, p *Peer, r *VoteRequest) (*VoteResponse, error) {
	t, err := mux.transport(p)
	if err != nil {
		return nil, err
	}
	return t.RequestVote(ctx, p, r)
}

// InstallSnapshot sends a compaction record to a follower.
func (mux *TransportMux) InstallSnapshot(ctx context.Context, p *Peer, r *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	t, err := mux.transport(p)
	if err != nil {
		return nil, err
	}
	return t.InstallSnapshot(ctx, p, r)
}

// HTTPTransport represents a transport for sending RPCs over the HTTP protocol.
// Request arguments travel in X-Raft-* headers; log entries and snapshots
// travel in the body.
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// AppendEntries sends a list of entries to a follower.
func (t *HTTPTransport) AppendEntries(ctx context.Context, p *Peer, r *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var buf bytes.Buffer
	enc := agency.NewLogEntryEncoder(&buf)
	for _, e := range r.Entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}

	h := http.Header{
		"X-Raft-Term":         {formatUint(r.Term)},
		"X-Raft-LeaderID":     {formatUint(r.LeaderID)},
		"X-Raft-PrevLogIndex": {formatUint(r.PrevLogIndex)},
		"X-Raft-PrevLogTerm":  {formatUint(r.PrevLogTerm)},
		"X-Raft-LeaderCommit": {formatUint(r.LeaderCommit)},
		"X-Raft-Sync":         {strconv.FormatBool(r.Sync)},
	}
	resp, err := t.post(ctx, p, "append_entries", h, &buf)
	if err != nil {
		return nil, err
	}

	var out AppendEntriesResponse
	hp := headerParser{h: resp}
	out.Term = hp.uint("X-Raft-Term")
	out.Success = hp.bool("X-Raft-Success")
	out.LastIndex = hp.uint("X-Raft-LastIndex")
	out.SyncedIndex = hp.uint("X-Raft-SyncedIndex")
	return &out, hp.err
}

// RequestVote requests a vote for a candidate in a given term.
func (t *HTTPTransport) RequestVote(ctx context.Context, p *Peer, r *VoteRequest) (*VoteResponse, error) {
	h := http.Header{
		"X-Raft-Term":         {formatUint(r.Term)},
		"X-Raft-CandidateID":  {formatUint(r.CandidateID)},
		"X-Raft-LastLogIndex": {formatUint(r.LastLogIndex)},
		"X-Raft-LastLogTerm":  {formatUint(r.LastLogTerm)},
	}
	resp, err := t.post(ctx, p, "vote", h, nil)
	if err != nil {
		return nil, err
	}

	var out VoteResponse
	hp := headerParser{h: resp}
	out.Term = hp.uint("X-Raft-Term")
	out.Granted = hp.bool("X-Raft-Granted")
	return &out, hp.err
}

// InstallSnapshot sends a compaction record to a follower.
func (t *HTTPTransport) InstallSnapshot(ctx context.Context, p *Peer, r *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	h := http.Header{
		"X-Raft-Term":          {formatUint(r.Term)},
		"X-Raft-LeaderID":      {formatUint(r.LeaderID)},
		"X-Raft-BoundaryIndex": {formatUint(r.BoundaryIndex)},
		"X-Raft-BoundaryTerm":  {formatUint(r.BoundaryTerm)},
	}
	resp, err := t.post(ctx, p, "snapshot", h, bytes.NewReader(r.Snapshot))
	if err != nil {
		return nil, err
	}

	hp := headerParser{h: resp}
	out := &InstallSnapshotResponse{Term: hp.uint("X-Raft-Term")}
	return out, hp.err
}

// post sends a request to the named endpoint of the peer and returns the
// response headers.
func (t *HTTPTransport) post(ctx context.Context, p *Peer, name string, h http.Header, body io.Reader) (http.Header, error) {
	if p.URL == nil {
		return nil, ErrUnknownPeer
	}

	// Copy URL and append path.
	u := *p.URL
	u.Path = path.Join(u.Path, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = h
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, &errors.Error{Code: errors.EUnavailable, Op: "raft.HTTPTransport", Err: err}
	}
	defer resp.Body.Close()

	if err := kithttp.CheckError(resp); err != nil {
		return nil, &errors.Error{Op: "raft.HTTPTransport", Msg: u.Redacted(), Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header, nil
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

// headerParser reads typed values from headers, keeping the first error.
type headerParser struct {
	h   http.Header
	err error
}

func (p *headerParser) uint(key string) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(p.h.Get(key), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s header: %q", key, p.h.Get(key))
	}
	return v
}

func (p *headerParser) bool(key string) bool {
	if p.err != nil {
		return false
	}
	v, err := strconv.ParseBool(p.h.Get(key))
	if err != nil {
		p.err = fmt.Errorf("invalid %s header: %q", key, p.h.Get(key))
	}
	return v
}
