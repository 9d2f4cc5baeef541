// Package cmd defines the CLI commands for the wikiprint executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wikiprint",
		Short: "A bounded-concurrency PDF render service for wiki articles.",
		Long: `wikiprint fronts headless Chrome with a bounded render queue.
It accepts article render requests over HTTP, admits them under a strict
concurrency and queue budget, and streams the produced PDF back to the
client.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, env vars with prefix WIKIPRINT also apply)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
