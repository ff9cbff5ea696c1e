package main

import (
	"fmt"
	"os"

	"github.com/influxdata/agency/cmd/agencyd/launcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	launcher.SetBuildInfo(version, commit, date)

	v := viper.New()
	runCmd, err := launcher.NewCommand(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "agencyd",
		Short:         "Replicated agency node",
		Args:          cobra.NoArgs,
		RunE:          runCmd.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Running agencyd without a subcommand is the same as agencyd run.
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
	rootCmd.AddCommand(runCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the agencyd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agencyd %s (git: %s) built %s\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
