package cli

import (
	"fmt"
	"testing"
	"time"

	"github.com/influxdata/agency/toml"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func ExampleNewCommand() {
	var (
		addr     string
		replicas int
		noSync   bool
		interval toml.Duration
		peers    []string
		level    zapcore.Level
	)
	cmd, err := NewCommand(viper.New(), &Program{
		Run: func() error {
			fmt.Println(addr)
			fmt.Println(replicas)
			fmt.Println(noSync)
			fmt.Println(interval)
			fmt.Println(peers)
			fmt.Println(level)
			return nil
		},
		Name: "myprogram",
		Opts: []Opt{
			NewOpt(&addr, "http-bind-address", ":8529", "bind address"),
			NewOpt(&replicas, "replicas", 3, "number of replicas"),
			NewOpt(&noSync, "no-sync", false, "skip fsync"),
			NewOpt(&interval, "interval", toml.Duration(time.Minute), "check interval"),
			NewOpt(&peers, "peers", []string{"a", "b"}, "peers"),
			NewOpt(&level, "log-level", zapcore.InfoLevel, "log level"),
		},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	cmd.SetArgs([]string{"--replicas=5", "--log-level=debug"})
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
	}
	// Output:
	// :8529
	// 5
	// false
	// 1m0s
	// [a b]
	// debug
}

func Test_NewProgram_Env(t *testing.T) {
	t.Setenv("TESTPROG_HTTP_BIND_ADDRESS", ":9999")
	t.Setenv("TESTPROG_NO_SYNC", "true")
	t.Setenv("TESTPROG_INTERVAL", "5s")
	t.Setenv("TESTPROG_LOG_LEVEL", "WARN")

	var (
		addr     string
		noSync   bool
		interval toml.Duration
		level    zapcore.Level
	)
	cmd, err := NewCommand(viper.New(), &Program{
		Run:  func() error { return nil },
		Name: "testprog",
		Opts: []Opt{
			NewOpt(&addr, "http-bind-address", ":8529", ""),
			NewOpt(&noSync, "no-sync", false, ""),
			NewOpt(&interval, "interval", toml.Duration(time.Minute), ""),
			NewOpt(&level, "log-level", zapcore.InfoLevel, ""),
		},
	})
	require.NoError(t, err)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	require.Equal(t, ":9999", addr)
	require.True(t, noSync)
	require.Equal(t, toml.Duration(5*time.Second), interval)
	require.Equal(t, zapcore.WarnLevel, level)
}

// Ensure a flag given on the command line overrides the environment.
func Test_NewProgram_FlagOverridesEnv(t *testing.T) {
	t.Setenv("TESTPROG_NODE_ID", "env")

	var id string
	cmd, err := NewCommand(viper.New(), &Program{
		Run:  func() error { return nil },
		Name: "testprog",
		Opts: []Opt{NewOpt(&id, "node-id", "", "")},
	})
	require.NoError(t, err)
	cmd.SetArgs([]string{"--node-id=flag"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "flag", id)
}

func Test_BindOptions_UnknownType(t *testing.T) {
	var f float32
	_, err := NewCommand(viper.New(), &Program{
		Name: "testprog",
		Opts: []Opt{NewOpt(&f, "ratio", nil, "")},
	})
	require.Error(t, err)
}

func Test_BindOptions_BadLevel(t *testing.T) {
	t.Setenv("TESTPROG_LOG_LEVEL", "loud")

	var level zapcore.Level
	_, err := NewCommand(viper.New(), &Program{
		Name: "testprog",
		Opts: []Opt{NewOpt(&level, "log-level", zapcore.InfoLevel, "")},
	})
	require.Error(t, err)
}
