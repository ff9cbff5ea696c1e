package bolt

import (
	"time"

	"github.com/influxdata/agency/toml"
)

const (
	// DefaultOpenTimeout is how long Open waits for the file lock.
	DefaultOpenTimeout = time.Second

	// DefaultInitialMmapSize is the initial mmap size of the bolt file.
	DefaultInitialMmapSize = 64 << 20
)

// Config holds the bolt store settings.
type Config struct {
	Path            string        `toml:"path"`
	OpenTimeout     toml.Duration `toml:"open-timeout"`
	InitialMmapSize toml.Size     `toml:"initial-mmap-size"`

	// NoSync skips fsync on every write, including synced appends.
	// Only meant for tests.
	NoSync bool `toml:"no-sync"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		OpenTimeout:     toml.Duration(DefaultOpenTimeout),
		InitialMmapSize: toml.Size(DefaultInitialMmapSize),
	}
}
