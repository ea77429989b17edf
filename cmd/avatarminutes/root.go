package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd runs the server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "avatarminutes",
	Short: "avatarminutes - prepaid minute billing for live avatar sessions",
	Long: `avatarminutes brokers live avatar sessions against a prepaid minute
balance. It reserves credits before a session starts, records usage when the
session ends, sweeps sessions that were never closed and applies payment
callbacks exactly once.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/avatarminutes/config.yaml", "Path to configuration file")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
