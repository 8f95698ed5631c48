/**
 * CONTEXT:   Read-side component turning stored sessions + clock + liveness into project state
 * INPUT:     Snapshot Store contents, the Activity Index, and liveness verdicts
 * OUTPUT:    get_sessions / get_project_states / get_shell_state / get_routing_snapshot views
 * BUSINESS:  Read-time staleness rules live here, never in the Reducer (spec.md §4.1);
 *            hard TTL pruning is run by the Supervisor
 * CHANGE:    Generalized from the teacher's work-block reporting queries to live aggregation
 * RISK:      Medium - incorrect precedence or staleness here misleads the UI about what's "Working"
 */
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/identity"
	"github.com/claude-monitor/capacitor/internal/liveness"
)

// SnapshotReader is the narrow read view of the Snapshot Store.
type SnapshotReader interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListShells(ctx context.Context) ([]domain.Shell, error)
}

// Config carries the read-time staleness and activity-window thresholds
// from spec.md §4.1; hard TTLs are not part of it.
type Config struct {
	ActiveStaleAfter time.Duration
	ReadyStaleAfter  time.Duration
	ShellStaleAfter  time.Duration
	ActivityWindow   time.Duration
}

// Aggregator is stateless over calls; all state lives in the Snapshot Store
// and the Activity Index it reads from.
type Aggregator struct {
	cfg      Config
	store    SnapshotReader
	activity *activityindex.Index
	resolver *identity.Resolver
	prober   liveness.Prober
	now      func() time.Time
}

func New(cfg Config, store SnapshotReader, activity *activityindex.Index, resolver *identity.Resolver, prober liveness.Prober) *Aggregator {
	return &Aggregator{cfg: cfg, store: store, activity: activity, resolver: resolver, prober: prober, now: time.Now}
}

// liveVerified reports whether a session's OS process is positively
// verified alive right now.
func (a *Aggregator) liveVerified(s *domain.Session) bool {
	if s.PID == 0 {
		return false
	}
	return a.prober.Check(s.PID, s.ProcStartedAt) == liveness.Alive
}

func (a *Aggregator) dead(s *domain.Session) bool {
	if s.PID == 0 {
		return false
	}
	return a.prober.Check(s.PID, s.ProcStartedAt) == liveness.Dead
}

// effectiveState applies spec.md §4.1's read-time staleness/liveness rules
// on top of the Session's stored state, without mutating the stored row.
func (a *Aggregator) effectiveState(s *domain.Session, now time.Time) domain.State {
	if s.IsTerminal() {
		return domain.StateEnded
	}
	if a.dead(s) {
		return domain.StateIdle
	}

	switch s.State {
	case domain.StateWorking, domain.StateWaiting, domain.StateCompacting:
		if now.Sub(s.UpdatedAt) > a.cfg.ActiveStaleAfter && !a.liveVerified(s) {
			return domain.StateReady
		}
		return s.State
	case domain.StateReady:
		if now.Sub(s.UpdatedAt) > a.cfg.ReadyStaleAfter && !a.liveVerified(s) {
			return domain.StateIdle
		}
		return domain.StateReady
	default:
		return s.State
	}
}

// SessionView is a Session with its read-time effective state attached.
type SessionView struct {
	domain.Session
	EffectiveState domain.State
}

// GetSessions returns every live session with its effective (aggregated)
// state, per spec.md §4.5's get_sessions.
func (a *Aggregator) GetSessions(ctx context.Context) ([]SessionView, error) {
	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionView{Session: s, EffectiveState: a.effectiveState(&s, now)})
	}
	return out, nil
}

// GetProjectStates implements spec.md §4.5's precedence and monorepo
// sub-package attribution rules.
func (a *Aggregator) GetProjectStates(ctx context.Context) ([]domain.ProjectState, error) {
	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()

	type key struct{ project, workspace string }
	groups := make(map[key]*domain.ProjectState)

	for i := range sessions {
		s := &sessions[i]
		eff := a.effectiveState(s, now)
		if eff == domain.StateEnded {
			continue
		}

		k := key{s.ProjectID, s.WorkspaceID}
		ps, ok := groups[k]
		if !ok {
			ps = &domain.ProjectState{ProjectID: s.ProjectID, WorkspaceID: s.WorkspaceID, State: domain.StateIdle}
			groups[k] = ps
		}
		if eff.Precedence() > ps.State.Precedence() || (eff != domain.StateIdle && ps.State == domain.StateIdle) {
			ps.State = eff
		}
		if s.UpdatedAt.After(ps.UpdatedAt) {
			ps.UpdatedAt = s.UpdatedAt
		}
		ps.Sessions = append(ps.Sessions, domain.SessionSummary{SessionID: s.SessionID, State: eff, UpdatedAt: s.UpdatedAt})

		// Monorepo sub-package attribution (spec.md §4.5): only while this
		// owning session is Working, and only if a live session exists for
		// the root project P (guaranteed true here since we're iterating it).
		if eff == domain.StateWorking {
			for _, entry := range a.activity.Recent(s.ProjectID, now, a.cfg.ActivityWindow) {
				if entry.SessionID != s.SessionID {
					continue
				}
				wsID := subWorkspaceFor(s.ProjectID, entry.FilePath)
				if wsID == "" || wsID == s.WorkspaceID {
					continue
				}
				sk := key{s.ProjectID, wsID}
				sub, ok := groups[sk]
				if !ok {
					sub = &domain.ProjectState{ProjectID: s.ProjectID, WorkspaceID: wsID, Synthetic: true}
					groups[sk] = sub
				}
				sub.State = domain.StateWorking
				sub.Synthetic = true
				if entry.Timestamp.After(sub.UpdatedAt) {
					sub.UpdatedAt = entry.Timestamp
				}
			}
		}
	}

	out := make([]domain.ProjectState, 0, len(groups))
	for _, ps := range groups {
		ps.HasSession = ps.State != domain.StateIdle
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].WorkspaceID < out[j].WorkspaceID
	})
	return out, nil
}

// subWorkspaceFor derives a synthetic workspace identifier for a file path
// inside a monorepo sub-package, e.g. /repo/packages/x/... -> the
// /repo/packages/x package directory. It returns "" if filePath does not
// look like it lies under a distinguishable sub-package.
func subWorkspaceFor(projectRoot, filePath string) string {
	if len(filePath) <= len(projectRoot) {
		return ""
	}
	rel := filePath[len(projectRoot):]
	for len(rel) > 0 && (rel[0] == '/' || rel[0] == '\\') {
		rel = rel[1:]
	}
	if rel == "" {
		return ""
	}
	// The first two path segments after the root (e.g. packages/x) are the
	// sub-package key, provided the file lies below them.
	first := -1
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' || rel[i] == '\\' {
			if i == 0 || i == first+1 {
				return ""
			}
			if first >= 0 {
				return projectRoot + "/" + rel[:i]
			}
			first = i
		}
	}
	return ""
}

// ShellSnapshot is the get_shell_state response shape.
type ShellSnapshot struct {
	Shells []ShellView
}

type ShellView struct {
	domain.Shell
	Live  bool
	Fresh bool
}

func (a *Aggregator) GetShellState(ctx context.Context) (ShellSnapshot, error) {
	shells, err := a.store.ListShells(ctx)
	if err != nil {
		return ShellSnapshot{}, err
	}
	now := a.now()
	out := ShellSnapshot{}
	for _, s := range shells {
		out.Shells = append(out.Shells, ShellView{
			Shell: s,
			Live:  a.prober.Check(s.ShellPID, s.ProcStartedAt) == liveness.Alive,
			Fresh: s.Fresh(now, a.cfg.ShellStaleAfter),
		})
	}
	return out, nil
}

// Liveness is the get_process_liveness response shape.
type Liveness struct {
	PID           int
	ProcStartedAt int64
	Verdict       string
}

func (a *Aggregator) GetProcessLiveness(pid int, procStartedAt int64) Liveness {
	v := a.prober.Check(pid, procStartedAt)
	label := "unknown"
	switch v {
	case liveness.Alive:
		label = "alive"
	case liveness.Dead:
		label = "dead"
	}
	return Liveness{PID: pid, ProcStartedAt: procStartedAt, Verdict: label}
}

// RoutingSnapshot supports external terminal-activation logic (spec.md §4.5).
type RoutingSnapshot struct {
	ProjectPath string
	WorkspaceID string
	Sessions    []domain.SessionSummary
	Shells      []domain.Shell
}

// GetRoutingSnapshot finds every session and shell that routes to
// projectPath, using exact match for sessions and the resolver's
// prefix-match fallback for shells.
func (a *Aggregator) GetRoutingSnapshot(ctx context.Context, projectPath string, workspaceID string) (RoutingSnapshot, error) {
	rs := RoutingSnapshot{ProjectPath: projectPath, WorkspaceID: workspaceID}

	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		return rs, err
	}
	now := a.now()
	for _, s := range sessions {
		if s.ProjectID != projectPath {
			continue
		}
		if workspaceID != "" && s.WorkspaceID != workspaceID {
			continue
		}
		rs.Sessions = append(rs.Sessions, domain.SessionSummary{
			SessionID: s.SessionID, State: a.effectiveState(&s, now), UpdatedAt: s.UpdatedAt,
		})
	}

	shells, err := a.store.ListShells(ctx)
	if err != nil {
		return rs, err
	}
	for _, s := range shells {
		if a.resolver.ContainsShellCWD(projectPath, s.CWD) {
			rs.Shells = append(rs.Shells, s)
		}
	}
	return rs, nil
}
