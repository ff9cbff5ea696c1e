// Package cli binds command line flags and environment variables to
// program options.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/agency/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Default interface{}
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP interface{}, flag string, dflt interface{}, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command for p whose options may also be
// set through environment variables.
//
// The upper-case program name prefixes every variable and dashes become
// underscores, so the flag http-bind-address of agencyd is read from
// AGENCYD_HTTP_BIND_ADDRESS. A flag given on the command line wins.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:  p.Name,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return p.Run()
		},
	}

	v.SetEnvPrefix(strings.ToUpper(p.Name))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// BindOptions adds opts to the specified command and registers them with v.
// Each destination is initialized from v, which holds the environment.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVar(destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVar(destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = v.GetInt(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVar(destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVar(destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = v.GetDuration(o.Flag)
		case *toml.Duration:
			var d toml.Duration
			if o.Default != nil {
				d = o.Default.(toml.Duration)
			}
			flags.DurationVar((*time.Duration)(destP), o.Flag, time.Duration(d), o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = toml.Duration(v.GetDuration(o.Flag))
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVar(destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			*destP = v.GetStringSlice(o.Flag)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			LevelVar(flags, destP, o.Flag, d, o.Desc)
			if err := bindFlag(v, cmd, o.Flag); err != nil {
				return err
			}
			if s := v.GetString(o.Flag); s != "" {
				if err := (levelFlag{p: destP}).Set(s); err != nil {
					return fmt.Errorf("%s: %w", o.Flag, err)
				}
			}
		default:
			return fmt.Errorf("unknown destination type %T for option %s", o.DestP, o.Flag)
		}
	}
	return nil
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key string) error {
	return v.BindPFlag(key, cmd.Flags().Lookup(key))
}
