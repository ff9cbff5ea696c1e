package raft

import (
	"fmt"
	"time"

	"github.com/influxdata/agency/state"
	"github.com/influxdata/agency/toml"
)

const (
	// DefaultHeartbeatInterval is the time between AppendEntries calls from
	// the leader to each follower.
	DefaultHeartbeatInterval = 100 * time.Millisecond

	// DefaultElectionTimeout is the minimum time a follower waits without
	// hearing from a leader before it starts an election.
	DefaultElectionTimeout = time.Second

	// DefaultRPCTimeout bounds a single RPC to a peer.
	DefaultRPCTimeout = 500 * time.Millisecond

	// DefaultWriteTimeout bounds a write that waits for commit, sync or apply.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxAppendEntries is the maximum number of entries sent in one
	// AppendEntries call.
	DefaultMaxAppendEntries = 256

	// DefaultApplyBatchSize is the number of committed entries read from the
	// store per apply round.
	DefaultApplyBatchSize = 512
)

// Config represents the configuration of a consensus node.
type Config struct {
	ID                uint64        `toml:"id"`
	Peers             []PeerConfig  `toml:"peers"`
	HeartbeatInterval toml.Duration `toml:"heartbeat-interval"`
	ElectionTimeout   toml.Duration `toml:"election-timeout"`
	RPCTimeout        toml.Duration `toml:"rpc-timeout"`
	WriteTimeout      toml.Duration `toml:"write-timeout"`
	MaxAppendEntries  int           `toml:"max-append-entries"`
	ApplyBatchSize    int           `toml:"apply-batch-size"`

	State state.Config `toml:"state"`
}

// PeerConfig identifies a member of the cluster.
type PeerConfig struct {
	ID  uint64 `toml:"id"`
	URL string `toml:"url"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		HeartbeatInterval: toml.Duration(DefaultHeartbeatInterval),
		ElectionTimeout:   toml.Duration(DefaultElectionTimeout),
		RPCTimeout:        toml.Duration(DefaultRPCTimeout),
		WriteTimeout:      toml.Duration(DefaultWriteTimeout),
		MaxAppendEntries:  DefaultMaxAppendEntries,
		ApplyBatchSize:    DefaultApplyBatchSize,
		State:             state.NewConfig(),
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("node id must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive")
	}
	if c.ElectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("election-timeout must be greater than heartbeat-interval")
	}
	if c.MaxAppendEntries <= 0 || c.ApplyBatchSize <= 0 {
		return fmt.Errorf("max-append-entries and apply-batch-size must be positive")
	}
	if _, err := c.Cluster(); err != nil {
		return err
	}
	return c.State.Validate()
}

// Cluster builds the cluster membership from the configured peers. The
// node itself is always a member, even if it is not listed.
func (c Config) Cluster() (*Cluster, error) {
	cluster := &Cluster{}
	for _, p := range c.Peers {
		if err := cluster.addPeer(p.ID, p.URL); err != nil {
			return nil, err
		}
	}
	if cluster.PeerByID(c.ID) == nil {
		if err := cluster.addPeer(c.ID, "local://"+fmt.Sprint(c.ID)); err != nil {
			return nil, err
		}
	}
	return cluster, nil
}
