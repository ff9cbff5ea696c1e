package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// levelFlag adapts a zapcore.Level to pflag.Value.
type levelFlag struct{ p *zapcore.Level }

var _ pflag.Value = levelFlag{}

func (f levelFlag) String() string {
	if f.p == nil {
		return zapcore.InfoLevel.String()
	}
	return f.p.String()
}

// Set accepts the level names zap understands, in any case.
func (f levelFlag) Set(s string) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return fmt.Errorf("unknown log level %q; supported levels are debug, info, warn, error", s)
	}
	*f.p = level
	return nil
}

func (levelFlag) Type() string { return "level" }

// LevelVar defines a zapcore.Level flag on fs that stores into p.
func LevelVar(fs *pflag.FlagSet, p *zapcore.Level, name string, value zapcore.Level, usage string) {
	*p = value
	fs.Var(levelFlag{p: p}, name, usage)
}
