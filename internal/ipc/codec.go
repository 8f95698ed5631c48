package ipc

import (
	"time"

	"github.com/claude-monitor/capacitor/internal/events"
)

// toEvent converts a send_event payload into the Reducer's normalized Event,
// stamping the server-assigned receipt timestamps (spec.md §3 received_at).
func toEvent(p sendEventParams, receivedMono int64, receivedWall time.Time) *events.Event {
	return &events.Event{
		Kind:           events.Kind(p.Kind),
		SessionID:      p.SessionID,
		PID:            p.PID,
		ProcStartedAt:  p.ProcStartedAt,
		PIDVerified:    p.ProcStartedAt != 0,
		CWD:            p.CWD,
		ToolKind:       p.ToolKind,
		FilePath:       p.FilePath,
		Subtype:        p.Subtype,
		StopHookActive: p.StopHookActive,
		ReceivedAt:     events.Received{Monotonic: receivedMono, Wall: receivedWall},
		Shell: events.ShellFields{
			ShellPID:          p.ShellPID,
			ParentTerminalApp: p.ParentTerminalApp,
			IsTmux:            p.IsTmux,
			TmuxSessionName:   p.TmuxSessionName,
			TmuxClientTTY:     p.TmuxClientTTY,
		},
	}
}
