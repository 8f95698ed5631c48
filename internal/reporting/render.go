/**
 * CONTEXT:   Colorized table rendering for capacitorctl's session/project/shell views
 * INPUT:     Decoded Aggregator view structs
 * OUTPUT:    Terminal tables via olekukonko/tablewriter with fatih/color accents
 * BUSINESS:  Operators need to see daemon state without a UI; this is the reference client
 * CHANGE:    Generalized from the teacher's cmd/claude-monitor/reporting.go table idiom
 * RISK:      Low - presentation only
 */
package reporting

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/claude-monitor/capacitor/internal/aggregator"
	"github.com/claude-monitor/capacitor/internal/domain"
)

var stateColor = map[domain.State]*color.Color{
	domain.StateWorking:    color.New(color.FgGreen, color.Bold),
	domain.StateWaiting:    color.New(color.FgYellow, color.Bold),
	domain.StateCompacting: color.New(color.FgMagenta, color.Bold),
	domain.StateReady:      color.New(color.FgCyan),
	domain.StateIdle:       color.New(color.FgHiBlack),
	domain.StateEnded:      color.New(color.FgHiBlack),
}

func colorState(s domain.State) string {
	if c, ok := stateColor[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

// RenderSessions prints one row per session, in the order given.
func RenderSessions(sessions []aggregator.SessionView) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "State", "PID", "Project", "Workspace", "Updated"})
	table.SetBorder(false)
	table.SetRowSeparator("-")
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
	)

	for _, s := range sessions {
		table.Append([]string{
			shortID(s.SessionID),
			colorState(s.EffectiveState),
			fmt.Sprintf("%d", s.PID),
			shorten(s.ProjectID, 40),
			shorten(s.WorkspaceID, 16),
			s.UpdatedAt.Format(time.Kitchen),
		})
	}
	table.Render()

	if len(sessions) == 0 {
		color.New(color.FgHiBlack).Println("no sessions known to the daemon")
	}
}

// RenderProjectStates prints one row per (project, workspace) aggregate.
func RenderProjectStates(states []domain.ProjectState) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Project", "Workspace", "State", "Sessions", "Synthetic"})
	table.SetBorder(false)
	table.SetRowSeparator("-")
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
		tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
	)

	for _, p := range states {
		synthetic := ""
		if p.Synthetic {
			synthetic = color.New(color.FgYellow).Sprint("yes")
		}
		table.Append([]string{
			shorten(p.ProjectID, 40),
			shorten(p.WorkspaceID, 16),
			colorState(p.State),
			fmt.Sprintf("%d", len(p.Sessions)),
			synthetic,
		})
	}
	table.Render()
}

// RenderShells prints one row per tracked shell.
func RenderShells(snap aggregator.ShellSnapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"PID", "CWD", "Terminal", "Tmux", "Live", "Fresh"})
	table.SetBorder(false)
	table.SetRowSeparator("-")

	for _, s := range snap.Shells {
		tmux := ""
		if s.IsTmux {
			tmux = s.TmuxSessionName
		}
		table.Append([]string{
			fmt.Sprintf("%d", s.ShellPID),
			shorten(s.CWD, 50),
			s.ParentTerminalApp,
			tmux,
			yesNo(s.Live),
			yesNo(s.Fresh),
		})
	}
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("yes")
	}
	return color.New(color.FgRed).Sprint("no")
}

func shortID(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}

func PrintHeader(title string) {
	header := color.New(color.FgMagenta, color.Bold)
	header.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}
