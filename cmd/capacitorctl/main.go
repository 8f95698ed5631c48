/**
 * CONTEXT:   capacitorctl entrypoint — the reference admin client for capacitord
 * INPUT:     Command-line subcommands (sessions, projects, shells, health, send-event)
 * OUTPUT:    Colorized terminal output reflecting live daemon state
 * BUSINESS:  Exercises the IPC protocol end to end the way an external UI would (SPEC_FULL.md §5)
 * CHANGE:    Generalized from the teacher's cmd/claude-monitor CLI commands to an IPC-only client
 * RISK:      Low - read-mostly client; send-event is the only mutating subcommand
 */
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/claude-monitor/capacitor/internal/config"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "capacitorctl",
	Short: "Inspect and drive a running capacitord over its local socket",
}

func init() {
	home, _ := os.UserHomeDir()
	defaultSocket := filepath.Join(home, ".local", "share", "capacitor", "capacitor.sock")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "path to the capacitord Unix socket")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(shellsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sendEventCmd)
	rootCmd.AddCommand(routingCmd)
}

func resolvedSocket() string {
	if socketPath != "" {
		return socketPath
	}
	return config.Default().SocketPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
