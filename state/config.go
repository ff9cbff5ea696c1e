package state

// DefaultReplayPolicy is the policy used when none is configured.
const DefaultReplayPolicy = PolicyAuditOnly

// Config holds the state machine settings.
type Config struct {
	ReplayPolicy string `toml:"replay-policy"`
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{ReplayPolicy: DefaultReplayPolicy}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	_, err := ParseReplayPolicy(c.ReplayPolicy)
	return err
}
