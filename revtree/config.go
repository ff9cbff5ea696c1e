package revtree

import "fmt"

const (
	// DefaultBranching is the number of children of each internal node.
	DefaultBranching = 8

	// DefaultDepth is the number of levels below the root. The tree has
	// Branching^Depth leaf buckets.
	DefaultDepth = 3

	// DefaultQueueSize is the capacity of the pending update queue. Callers
	// enqueueing into a full queue block until the drain catches up.
	DefaultQueueSize = 4096

	// DefaultBatchSize is the maximum number of updates folded into the tree
	// under a single lock acquisition.
	DefaultBatchSize = 256

	// maxLeaves bounds the memory held by one tree.
	maxLeaves = 1 << 24
)

// Config represents the shape and buffering of a revision tree.
type Config struct {
	Branching int `toml:"branching"`
	Depth     int `toml:"depth"`
	QueueSize int `toml:"queue-size"`
	BatchSize int `toml:"batch-size"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		Branching: DefaultBranching,
		Depth:     DefaultDepth,
		QueueSize: DefaultQueueSize,
		BatchSize: DefaultBatchSize,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.Branching < 2 {
		return fmt.Errorf("branching must be at least 2")
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be at least 1")
	}
	if n := leafCount(c.Branching, c.Depth); n <= 0 || n > maxLeaves {
		return fmt.Errorf("branching^depth must not exceed %d leaves", maxLeaves)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue-size must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be positive")
	}
	return nil
}

// leafCount returns branching^depth, or -1 on overflow past maxLeaves.
func leafCount(branching, depth int) int {
	n := 1
	for i := 0; i < depth; i++ {
		n *= branching
		if n > maxLeaves {
			return -1
		}
	}
	return n
}
