package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "stagedoor",
		Short:         "stagedoor: pooled browser sessions for credential-gated event sites",
		Long:          "stagedoor serves many concurrent scraping and download requests over a small pool of headless browser sessions, clearing slider verification interstitials best-effort and persisting session cookies per handle.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.stagedoor)")

	rootCmd.AddCommand(
		newServeCmd(&configDir),
		newFetchCmd(&configDir),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stagedoor version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagedoor %s\n", version)
		},
	}
}
