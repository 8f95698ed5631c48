package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-monitor/capacitor/internal/aggregator"
	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/identity"
	"github.com/claude-monitor/capacitor/internal/reporting"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List every session the daemon currently knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("get_sessions", nil)
		if err != nil {
			return err
		}
		var sessions []aggregator.SessionView
		if err := reporting.Decode(resp, &sessions); err != nil {
			return err
		}
		reporting.PrintHeader("Sessions")
		reporting.RenderSessions(sessions)
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List aggregated project/workspace state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("get_project_states", nil)
		if err != nil {
			return err
		}
		var states []domain.ProjectState
		if err := reporting.Decode(resp, &states); err != nil {
			return err
		}
		reporting.PrintHeader("Projects")
		reporting.RenderProjectStates(states)
		return nil
	},
}

var shellsCmd = &cobra.Command{
	Use:   "shells",
	Short: "List shells that have reported a working directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("get_shell_state", nil)
		if err != nil {
			return err
		}
		var snap aggregator.ShellSnapshot
		if err := reporting.Decode(resp, &snap); err != nil {
			return err
		}
		reporting.PrintHeader("Shells")
		reporting.RenderShells(snap)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("get_health", nil)
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(resp.Data, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var routingCmd = &cobra.Command{
	Use:   "routing <project_path>",
	Short: "Show why a project path resolves the way it does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("get_routing_diagnostics", map[string]string{"project_path": args[0]})
		if err != nil {
			return err
		}
		var diag identity.Diagnostics
		if err := reporting.Decode(resp, &diag); err != nil {
			return err
		}
		b, _ := json.MarshalIndent(diag, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

var (
	sendEventKind      string
	sendEventSessionID string
	sendEventPID       int
	sendEventCWD       string
)

var sendEventCmd = &cobra.Command{
	Use:   "send-event",
	Short: "Send a synthetic hook event (for manual testing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendEventKind == "" || sendEventPID == 0 {
			return fmt.Errorf("--kind and --pid are required")
		}
		client := reporting.NewClient(resolvedSocket(), 5*time.Second)
		resp, err := client.Call("send_event", map[string]interface{}{
			"kind":       sendEventKind,
			"session_id": sendEventSessionID,
			"pid":        sendEventPID,
			"cwd":        sendEventCWD,
		})
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(resp.Data, "", "  ")
		fmt.Println(string(b))
		return nil
	},
}

func init() {
	sendEventCmd.Flags().StringVar(&sendEventKind, "kind", "", "hook event kind, e.g. SessionStart")
	sendEventCmd.Flags().StringVar(&sendEventSessionID, "session-id", "", "session id")
	sendEventCmd.Flags().IntVar(&sendEventPID, "pid", 0, "process id")
	sendEventCmd.Flags().StringVar(&sendEventCWD, "cwd", "", "working directory")
}
