// Package main implements the recalld binary: a clustered working-memory
// node with an admin HTTP surface and an MCP stdio mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath points at an optional YAML config file. Env vars override it.
	configPath string

	// Build information, set via ldflags.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Clustered working memory for agents",
	Long: `recalld keeps short-lived, importance-weighted memories for agents and
replicates them across a small cluster of nodes.

Run "recalld serve" for a cluster node with the admin HTTP API, or
"recalld mcp" to expose the memory tools over MCP stdio.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.SetVersionTemplate(versionString() + "\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/recalld/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}

func versionString() string {
	return fmt.Sprintf("recalld %s (commit %s, built %s)", version, gitCommit, buildDate)
}
