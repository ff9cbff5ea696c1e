package compaction

import (
	"fmt"
	"time"

	"github.com/influxdata/agency/toml"
)

const (
	// DefaultInterval is the time between checks of the background loop.
	DefaultInterval = 10 * time.Second

	// DefaultStepSize is the number of committed entries past the last
	// boundary that triggers a compaction.
	DefaultStepSize = 1000

	// DefaultKeepSize is the number of entries below a new boundary that
	// remain in the log for followers that are slightly behind.
	DefaultKeepSize = 50000
)

// Config represents the configuration of the compaction manager.
type Config struct {
	Enabled  bool          `toml:"enabled"`
	Interval toml.Duration `toml:"interval"`
	StepSize uint64        `toml:"step-size"`
	KeepSize uint64        `toml:"keep-size"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:  true,
		Interval: toml.Duration(DefaultInterval),
		StepSize: DefaultStepSize,
		KeepSize: DefaultKeepSize,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.StepSize == 0 {
		return fmt.Errorf("step-size must be positive")
	}
	return nil
}
