package logger

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Log formats accepted by Config.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatLogfmt  = "logfmt"
	FormatJSON    = "json"
)

// Config is the [logging] section of the daemon configuration.
type Config struct {
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: FormatAuto,
		Level:  zapcore.InfoLevel,
	}
}

// Validate returns an error for an unknown format.
func (c Config) Validate() error {
	switch c.Format {
	case "", FormatAuto, FormatConsole, FormatLogfmt, FormatJSON:
		return nil
	}
	return fmt.Errorf("unknown log format %q", c.Format)
}
