/**
 * CONTEXT:   capacitord entrypoint — the coding-assistant session observer daemon
 * INPUT:     Command-line flags/subcommands (serve, install, uninstall, status)
 * OUTPUT:    A running daemon, or a systemd --user unit installed/removed
 * BUSINESS:  One process per developer workstation; spec.md §1/§6 lifecycle rules
 * CHANGE:    Generalized from the teacher's single-binary main.go to a cobra command tree
 * RISK:      Medium - this is the process the session manager restarts on crash
 */
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "development"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capacitord",
	Short: "Observes Claude Code sessions and serves live state over a local socket",
	Long: `capacitord watches Claude Code hook events for every session on this
workstation, maintains their lifecycle state, and serves snapshots and
subscriptions to UI clients over a Unix-domain socket.`,
	Version: fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
