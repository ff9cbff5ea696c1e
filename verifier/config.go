package verifier

import (
	"fmt"
	"time"

	"github.com/influxdata/agency/toml"
)

const (
	// DefaultInterval is the time between two verification rounds.
	DefaultInterval = time.Minute

	// DefaultReadyTimeout is how long a round waits for trees to drain
	// before skipping them.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultRepairRate is the sustained number of rebuilds per second.
	DefaultRepairRate = 0.1

	// DefaultRepairBurst is the number of rebuilds allowed at once.
	DefaultRepairBurst = 2

	// DefaultConcurrency is the number of shards verified in parallel.
	DefaultConcurrency = 4
)

// Config represents the configuration of the consistency monitor.
type Config struct {
	Enabled      bool          `toml:"enabled"`
	Interval     toml.Duration `toml:"interval"`
	ReadyTimeout toml.Duration `toml:"ready-timeout"`
	AutoRepair   bool          `toml:"auto-repair"`
	RepairRate   float64       `toml:"repair-rate"`
	RepairBurst  int           `toml:"repair-burst"`
	Concurrency  int           `toml:"concurrency"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:      true,
		Interval:     toml.Duration(DefaultInterval),
		ReadyTimeout: toml.Duration(DefaultReadyTimeout),
		AutoRepair:   true,
		RepairRate:   DefaultRepairRate,
		RepairBurst:  DefaultRepairBurst,
		Concurrency:  DefaultConcurrency,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.ReadyTimeout < 0 {
		return fmt.Errorf("ready-timeout must not be negative")
	}
	if c.AutoRepair && (c.RepairRate <= 0 || c.RepairBurst < 1) {
		return fmt.Errorf("repair-rate and repair-burst must be positive when auto-repair is on")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}
