package raft

import "github.com/influxdata/agency"

// AppendEntriesRequest represents the arguments for an AppendEntries RPC.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*agency.LogEntry
	LeaderCommit uint64

	// Sync asks the follower to fsync its log before responding.
	Sync bool
}

// AppendEntriesResponse represents the result of an AppendEntries RPC.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool

	// LastIndex is the follower's last index, used by the leader to back up
	// after a rejected request.
	LastIndex uint64

	// SyncedIndex is the highest index the follower has fsynced.
	SyncedIndex uint64
}

// VoteRequest represents the arguments for a RequestVote RPC.
type VoteRequest struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse represents the result of a RequestVote RPC.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// InstallSnapshotRequest ships a compaction record to a follower whose next
// index has been compacted away on the leader.
type InstallSnapshotRequest struct {
	Term          uint64
	LeaderID      uint64
	BoundaryIndex uint64
	BoundaryTerm  uint64
	Snapshot      []byte
}

// InstallSnapshotResponse represents the result of an InstallSnapshot RPC.
type InstallSnapshotResponse struct {
	Term uint64
}
