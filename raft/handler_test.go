package raft_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/influxdata/agency"
	"github.com/influxdata/agency/inmem"
	"github.com/influxdata/agency/kit/platform/errors"
	kithttp "github.com/influxdata/agency/kit/transport/http"
	"github.com/influxdata/agency/raft"
	"github.com/influxdata/agency/toml"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Ensure a follower serves votes, entries and snapshots over HTTP.
func TestHTTPHandler_RPCs(t *testing.T) {
	c := NewTestConfig(2, 1, 2, 3)
	c.ElectionTimeout = toml.Duration(time.Minute)
	n := MustOpenNode(t, c, inmem.NewLogStore(), nil)
	s := httptest.NewServer(raft.NewHTTPHandler(zaptest.NewLogger(t), n))
	defer s.Close()

	tr := &raft.HTTPTransport{}
	p := MustParsePeer(t, 1, s.URL)
	ctx := context.Background()

	vote, err := tr.RequestVote(ctx, p, &raft.VoteRequest{Term: 5, CandidateID: 1})
	require.NoError(t, err)
	require.Equal(t, &raft.VoteResponse{Term: 5, Granted: true}, vote)

	// A second candidate in the same term is refused.
	vote, err = tr.RequestVote(ctx, p, &raft.VoteRequest{Term: 5, CandidateID: 3})
	require.NoError(t, err)
	require.False(t, vote.Granted)

	entries := []*agency.LogEntry{
		{Type: agency.EntryNop, Index: 1, Term: 5},
		{Index: 2, Term: 5, ClientID: "c1", Operations: set("a", "b")},
	}
	resp, err := tr.AppendEntries(ctx, p, &raft.AppendEntriesRequest{
		Term:         5,
		LeaderID:     1,
		Entries:      entries,
		LeaderCommit: 2,
		Sync:         true,
	})
	require.NoError(t, err)
	require.Equal(t, &raft.AppendEntriesResponse{Term: 5, Success: true, LastIndex: 2, SyncedIndex: 2}, resp)
	require.Equal(t, uint64(1), n.Leader())

	m, err := n.Read(ctx, []string{"a"}, 2)
	require.NoError(t, err)
	require.Equal(t, "b", m["a"])

	// A request whose previous entry is missing is rejected with the last index.
	resp, err = tr.AppendEntries(ctx, p, &raft.AppendEntriesRequest{Term: 5, LeaderID: 1, PrevLogIndex: 10, PrevLogTerm: 5})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uint64(2), resp.LastIndex)

	snap, err := snapshotOf(t, set("snap", 1.0), 20, 5)
	require.NoError(t, err)
	ir, err := tr.InstallSnapshot(ctx, p, &raft.InstallSnapshotRequest{
		Term:          5,
		LeaderID:      1,
		BoundaryIndex: 20,
		BoundaryTerm:  5,
		Snapshot:      snap,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), ir.Term)
	require.Equal(t, uint64(20), n.Applier().AppliedIndex())

	m, err = n.Read(ctx, []string{"snap", "a"}, 20)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"snap": 1.0}, m)
}

func TestHTTPHandler_Status(t *testing.T) {
	n := MustOpenNode(t, NewTestConfig(1), inmem.NewLogStore(), nil)
	s := httptest.NewServer(raft.NewHTTPHandler(zaptest.NewLogger(t), n))
	defer s.Close()

	resp, err := http.Get(s.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st raft.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, uint64(1), st.ID)
	require.Equal(t, "leader", st.State)
	require.Equal(t, uint64(1), st.LeaderID)
}

// Ensure malformed requests are rejected.
func TestHTTPHandler_BadRequest(t *testing.T) {
	n := MustOpenNode(t, NewTestConfig(1), inmem.NewLogStore(), nil)
	s := httptest.NewServer(raft.NewHTTPHandler(zaptest.NewLogger(t), n))
	defer s.Close()

	var tests = []struct {
		path   string
		header string
		err    string
	}{
		{path: "/vote", header: "X-Raft-Term", err: "invalid X-Raft-Term header"},
		{path: "/append_entries", header: "X-Raft-LeaderID", err: "invalid X-Raft-LeaderID header"},
		{path: "/snapshot", header: "X-Raft-BoundaryIndex", err: "invalid X-Raft-BoundaryIndex header"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, s.URL+tt.path, nil)
			require.NoError(t, err)
			for _, h := range []string{"X-Raft-Term", "X-Raft-LeaderID", "X-Raft-CandidateID", "X-Raft-LastLogIndex",
				"X-Raft-LastLogTerm", "X-Raft-PrevLogIndex", "X-Raft-PrevLogTerm", "X-Raft-LeaderCommit",
				"X-Raft-BoundaryIndex", "X-Raft-BoundaryTerm"} {
				req.Header.Set(h, "1")
			}
			req.Header.Set("X-Raft-Sync", "false")
			req.Header.Set(tt.header, "XXX")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			err = kithttp.CheckError(resp)
			require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
			require.Contains(t, err.Error(), tt.err)
		})
	}
}

// Ensure a closed node answers with an unavailable error.
func TestHTTPTransport_Unavailable(t *testing.T) {
	n := MustOpenNode(t, NewTestConfig(1), inmem.NewLogStore(), nil)
	s := httptest.NewServer(raft.NewHTTPHandler(zaptest.NewLogger(t), n))
	defer s.Close()
	require.NoError(t, n.Close())

	_, err := (&raft.HTTPTransport{}).RequestVote(context.Background(), MustParsePeer(t, 1, s.URL), &raft.VoteRequest{Term: 1, CandidateID: 2})
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
}

// Ensure a cluster elects a leader and replicates over HTTP.
func TestCluster_HTTP(t *testing.T) {
	const size = 3
	handlers := make([]http.Handler, size)
	var urls []string
	for i := 0; i < size; i++ {
		i := i
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers[i].ServeHTTP(w, r)
		}))
		defer s.Close()
		urls = append(urls, s.URL+"/raft")
	}

	var nodes []*raft.Node
	for i := 0; i < size; i++ {
		c := NewTestConfig(uint64(i + 1))
		for j, u := range urls {
			c.Peers = append(c.Peers, raft.PeerConfig{ID: uint64(j + 1), URL: u})
		}
		mux := raft.NewTransportMux()
		mux.Handle("http", &raft.HTTPTransport{})

		n, err := raft.NewNode(c, inmem.NewLogStore(), mux)
		require.NoError(t, err)
		n.WithLogger(zaptest.NewLogger(t))

		h := http.NewServeMux()
		h.Handle("/raft/", http.StripPrefix("/raft", raft.NewHTTPHandler(zaptest.NewLogger(t), n)))
		handlers[i] = h
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		require.NoError(t, n.Open(context.Background()))
		defer n.Close()
	}

	c := &TestCluster{Nodes: nodes}
	leader := c.Leader(t)

	var last uint64
	for i := 0; i < 20; i++ {
		idx, err := leader.Write(context.Background(), set(fmt.Sprintf("k%d", i), float64(i)), raft.WriteOptions{WaitForCommit: true})
		require.NoError(t, err)
		last = idx
	}
	c.WaitApplied(t, last)
	for _, n := range nodes {
		m, err := n.Read(context.Background(), []string{"k19"}, last)
		require.NoError(t, err)
		require.Equal(t, 19.0, m["k19"])
	}
}

// MustParsePeer returns a peer at rawurl.
func MustParsePeer(t testing.TB, id uint64, rawurl string) *raft.Peer {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	return &raft.Peer{ID: id, URL: u}
}

// snapshotOf returns the snapshot of a state that applied ops at index.
func snapshotOf(t testing.TB, ops agency.OperationSet, index, term uint64) ([]byte, error) {
	t.Helper()
	n := MustOpenNode(t, NewTestConfig(1), inmem.NewLogStore(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Write(ctx, ops, raft.WriteOptions{WaitForApplied: true}); err != nil {
		return nil, err
	}

	// Rewrite the recorded position as if the state was reached at index.
	b, err := n.Applier().Snapshot()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["index"] = json.RawMessage(fmt.Sprint(index))
	m["term"] = json.RawMessage(fmt.Sprint(term))
	return json.Marshal(m)
}
