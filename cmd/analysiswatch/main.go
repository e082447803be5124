package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "analysiswatch",
		Short: "Watch asynchronous portfolio analysis runs",
		Long: `analysiswatch polls an analysis backend for a run's subtool results,
merges them as they arrive and reports progress and connection health.`,
		SilenceUsage: true,
		Version:      versionLine(),
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: analysiswatch.yaml in the current directory)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newDemoCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine())
		},
	})
	return rootCmd
}
