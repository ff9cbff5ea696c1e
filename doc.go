// Package agency defines the replicated coordination log shared by the
// consensus, state machine and compaction packages: log entries, operation
// sets applied atomically to the hierarchical key-value state, and the
// durable LogStore contract.
//
// Sub-packages:
//
//	raft        consensus node, replication and transports
//	state       state machine applier and client progress tracking
//	compaction  snapshotting and log pruning
//	bolt, inmem LogStore implementations
//	revtree     per-shard revision hash trees
//	verifier    tree comparison, repair and the consistency monitor
package agency
