package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "voicecode",
		Short: "Voice-driven client for the coding assistant backend",
		Long:  "voicecode connects to the coding assistant backend over WebSocket, tracks sessions and their histories, and drives prompts from the command line.",
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing config.yaml")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConnectCmd(&configPath))
	cmd.AddCommand(newSessionsCmd(&configPath))
	cmd.AddCommand(newProbeCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicecode %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
