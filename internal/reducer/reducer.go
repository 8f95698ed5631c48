/**
 * CONTEXT:   Single mutator of session state — the core state machine of capacitord
 * INPUT:     Normalized hook Events, fed one at a time from the IPC server's queue
 * OUTPUT:    IngestOutcome per event, plus durable Event Store + Snapshot Store writes
 * BUSINESS:  Replaces the teacher's multi-writer file-based tracking with one authoritative writer
 * CHANGE:    Generalized from the 5-hour-session/work-block pipeline to the full hook state machine
 * RISK:      High - every invariant in spec.md §3/§4.1 is enforced (or violated) here
 */
package reducer

import (
	"context"
	"fmt"
	"time"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/arch"
	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/events"
	"github.com/claude-monitor/capacitor/internal/identity"
)

// OutcomeKind classifies the result of Ingest.
type OutcomeKind int

const (
	Applied OutcomeKind = iota
	Suppressed
	Rejected
)

// SuppressReason explains a Suppressed outcome.
type SuppressReason string

const (
	ReasonTombstoned    SuppressReason = "tombstoned"
	ReasonStopContinued SuppressReason = "stop_hook_active"
	ReasonNotificationOther SuppressReason = "notification_other"
)

// RejectReason explains a Rejected outcome.
type RejectReason string

const (
	RejectUnknownKind RejectReason = "unknown_event_kind"
	RejectMalformed   RejectReason = "invalid_event"
)

// IngestOutcome is the result of a single Ingest call (spec.md §4.1).
type IngestOutcome struct {
	Kind      OutcomeKind
	Suppress  SuppressReason
	Reject    RejectReason
	SessionID string
}

// EventAppender is the narrow view of the Event Store the Reducer needs.
type EventAppender interface {
	Append(ctx context.Context, e *events.Event, outcome string) (seq int64, err error)
}

// SnapshotWriter is the narrow view of the Snapshot Store the Reducer needs.
// Every write here happens inside the same logical "transaction" as the
// corresponding Append call, per spec.md §4.2.
type SnapshotWriter interface {
	PutSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	PutShell(ctx context.Context, s *domain.Shell) error
	PutTombstone(ctx context.Context, t *domain.Tombstone) error
	DeleteTombstone(ctx context.Context, sessionID string) error
	PutActivity(ctx context.Context, e domain.ActivityEntry) error
}

// Reducer is the single mutator of session state. It is NOT safe for
// concurrent calls to Ingest: the caller (the IPC server's single ingest
// goroutine) must serialize them, per spec.md §4.1/§5.
type Reducer struct {
	log      arch.Logger
	resolver *identity.Resolver
	activity *activityindex.Index
	store    SnapshotWriter
	events   EventAppender
	cfg      Config

	sessions   map[string]*domain.Session   // session_id -> live session
	tombstones map[string]*domain.Tombstone // session_id -> tombstone
	shells     map[domain.OSKey]*domain.Shell
}

// Config groups the thresholds the Reducer itself consults. The remaining
// thresholds (staleness, TTL) belong to the Aggregator and Supervisor.
type Config struct {
	TombstoneGrace time.Duration
}

// New creates a Reducer. store and appender may be nil only in tests that
// exercise pure in-memory transitions.
func New(cfg Config, resolver *identity.Resolver, activity *activityindex.Index, store SnapshotWriter, appender EventAppender, log arch.Logger) *Reducer {
	return &Reducer{
		log:        log,
		resolver:   resolver,
		activity:   activity,
		store:      store,
		events:     appender,
		cfg:        cfg,
		sessions:   make(map[string]*domain.Session),
		tombstones: make(map[string]*domain.Tombstone),
		shells:     make(map[domain.OSKey]*domain.Shell),
	}
}

func (r *Reducer) priorCWD(sessionID string) string {
	if s, ok := r.sessions[sessionID]; ok {
		return s.CWD
	}
	return ""
}

// Ingest applies one event to the in-memory model and durably persists the
// resulting state, per spec.md §4.1's event -> state mapping table.
func (r *Reducer) Ingest(ctx context.Context, e *events.Event) (IngestOutcome, error) {
	if !e.Kind.Valid() {
		r.log.Warn("rejected unknown event kind", "kind", e.Kind)
		return IngestOutcome{Kind: Rejected, Reject: RejectUnknownKind}, nil
	}

	if err := e.Validate(r.priorCWD(e.SessionID)); err != nil {
		r.log.Warn("rejected malformed event", "kind", e.Kind, "session_id", e.SessionID, "error", err)
		return IngestOutcome{Kind: Rejected, Reject: RejectMalformed}, nil
	}

	if e.Kind == events.KindShellCwd {
		return r.ingestShellCwd(ctx, e)
	}

	if e.Kind != events.KindSessionStart {
		if t, ok := r.tombstones[e.SessionID]; ok && !t.Expired(e.ReceivedAt.Wall, r.cfg.TombstoneGrace) {
			r.log.Debug("suppressed tombstoned event", "session_id", e.SessionID, "kind", e.Kind)
			return IngestOutcome{Kind: Suppressed, Suppress: ReasonTombstoned, SessionID: e.SessionID}, nil
		}
	}

	snap := r.snapshot(e.SessionID)
	outcome, session := r.applyTransition(e)

	if outcome.Kind == Suppressed {
		// Only updated_at advances; still persisted so TTL sweeps see it.
		if session != nil {
			if err := r.persist(ctx, e, session, outcome); err != nil {
				r.restore(e.SessionID, snap)
				return IngestOutcome{}, err
			}
		}
		return outcome, nil
	}

	if err := r.persist(ctx, e, session, outcome); err != nil {
		// Roll back the in-memory transition so the Reducer's state never
		// diverges from what was actually made durable; the client must retry.
		r.restore(e.SessionID, snap)
		return IngestOutcome{}, err
	}

	if e.Kind == events.KindPostToolUse && e.FilePath != "" {
		r.activity.Record(domain.ActivityEntry{
			SessionID: e.SessionID,
			ProjectID: session.ProjectID,
			FilePath:  e.FilePath,
			ToolKind:  e.ToolKind,
			Timestamp: e.ReceivedAt.Wall,
		})
		if r.store != nil {
			_ = r.store.PutActivity(ctx, domain.ActivityEntry{
				SessionID: e.SessionID, ProjectID: session.ProjectID,
				FilePath: e.FilePath, ToolKind: e.ToolKind, Timestamp: e.ReceivedAt.Wall,
			})
		}
	}

	return outcome, nil
}

// persist writes the event to the Event Store and the resulting session row
// to the Snapshot Store, retrying the combined write once on failure before
// surfacing a retryable error to the caller (spec.md §4.1 Failure semantics).
func (r *Reducer) persist(ctx context.Context, e *events.Event, s *domain.Session, outcome IngestOutcome) error {
	do := func() error {
		if r.events != nil {
			if _, err := r.events.Append(ctx, e, outcomeLabel(outcome)); err != nil {
				return fmt.Errorf("appending event: %w", err)
			}
		}
		if r.store != nil && s != nil {
			if s.IsTerminal() {
				if err := r.store.DeleteSession(ctx, s.SessionID); err != nil {
					return fmt.Errorf("retiring session snapshot: %w", err)
				}
			} else if err := r.store.PutSession(ctx, s); err != nil {
				return fmt.Errorf("writing session snapshot: %w", err)
			}
		}
		return nil
	}

	err := do()
	if err != nil {
		r.log.Warn("persistence failed, retrying once", "error", err)
		err = do()
	}
	return err
}

// sessionSnapshot captures a session_id's pre-transition map entries so a
// failed persist can be rolled back without leaving the Reducer's in-memory
// state ahead of what was actually made durable.
type sessionSnapshot struct {
	hadSession bool
	session    domain.Session
	hadTomb    bool
	tomb       domain.Tombstone
}

func (r *Reducer) snapshot(sessionID string) sessionSnapshot {
	var snap sessionSnapshot
	if s, ok := r.sessions[sessionID]; ok {
		snap.hadSession = true
		snap.session = *s
	}
	if t, ok := r.tombstones[sessionID]; ok {
		snap.hadTomb = true
		snap.tomb = *t
	}
	return snap
}

// restore reverts the session_id and tombstone_id map entries to exactly the
// state captured by snapshot, undoing whatever applyTransition did in place.
func (r *Reducer) restore(sessionID string, snap sessionSnapshot) {
	if snap.hadSession {
		s := snap.session
		r.sessions[sessionID] = &s
	} else {
		delete(r.sessions, sessionID)
	}
	if snap.hadTomb {
		t := snap.tomb
		r.tombstones[sessionID] = &t
	} else {
		delete(r.tombstones, sessionID)
	}
}

func outcomeLabel(o IngestOutcome) string {
	switch o.Kind {
	case Applied:
		return "applied"
	case Suppressed:
		return "suppressed:" + string(o.Suppress)
	default:
		return "rejected:" + string(o.Reject)
	}
}

// applyTransition implements the event -> state mapping table of spec.md §4.1.
// It returns the outcome and the (possibly newly created) session, or a nil
// session only when no session mutation occurred (never the case here, since
// ShellCwd is handled separately).
func (r *Reducer) applyTransition(e *events.Event) (IngestOutcome, *domain.Session) {
	now := e.ReceivedAt.Wall

	session, existed := r.sessions[e.SessionID]
	if e.Kind == events.KindSessionStart {
		delete(r.tombstones, e.SessionID)
		if r.store != nil {
			_ = r.store.DeleteTombstone(context.Background(), e.SessionID)
		}
		id, _ := r.resolver.Resolve(e.CWD)
		session = &domain.Session{
			SessionID:      e.SessionID,
			PID:            e.PID,
			ProcStartedAt:  e.ProcStartedAt,
			PIDVerified:    e.PIDVerified,
			CWD:            e.CWD,
			ProjectID:      id.ProjectID,
			WorkspaceID:    id.WorkspaceID,
			State:          domain.StateReady,
			StateChangedAt: now,
			UpdatedAt:      now,
			LastEventKind:  string(e.Kind),
		}
		r.sessions[e.SessionID] = session
		return IngestOutcome{Kind: Applied, SessionID: e.SessionID}, session
	}

	if !existed {
		// A live-state event with no known session: synthesize a minimal
		// session row so aggregation has somewhere to attach it, matching
		// the teacher's "create on first event bearing session_id" rule.
		id, _ := r.resolver.Resolve(e.CWD)
		session = &domain.Session{
			SessionID:      e.SessionID,
			PID:            e.PID,
			ProcStartedAt:  e.ProcStartedAt,
			PIDVerified:    e.PIDVerified,
			CWD:            e.CWD,
			ProjectID:      id.ProjectID,
			WorkspaceID:    id.WorkspaceID,
			State:          domain.StateReady,
			StateChangedAt: now,
			UpdatedAt:      now,
		}
		r.sessions[e.SessionID] = session
	}

	if e.CWD != "" && e.CWD != session.CWD {
		session.CWD = e.CWD
		id, _ := r.resolver.Resolve(e.CWD)
		session.ProjectID = id.ProjectID
		session.WorkspaceID = id.WorkspaceID
	}
	if e.PID != 0 {
		session.PID = e.PID
	}
	if e.ProcStartedAt != 0 {
		session.ProcStartedAt = e.ProcStartedAt
		session.PIDVerified = e.PIDVerified
	}

	session.LastEventKind = string(e.Kind)

	target, transitions, suppress := targetState(e, session.State)

	if suppress != "" {
		session.UpdatedAt = now
		return IngestOutcome{Kind: Suppressed, Suppress: suppress, SessionID: e.SessionID}, session
	}

	session.UpdatedAt = now
	if transitions && target != session.State {
		session.State = target
		session.StateChangedAt = now
	}

	if e.Kind == events.KindSessionEnd {
		session.State = domain.StateEnded
		session.StateChangedAt = now
		session.EndedAt = &now
		tomb := &domain.Tombstone{SessionID: e.SessionID, EndedAt: now}
		r.tombstones[e.SessionID] = tomb
		if r.store != nil {
			_ = r.store.PutTombstone(context.Background(), tomb)
		}
		delete(r.sessions, e.SessionID)
	}

	return IngestOutcome{Kind: Applied, SessionID: e.SessionID}, session
}

// targetState returns the mapped target state, whether a transition should
// be applied at all, and a suppress reason for the two "unchanged" rows in
// spec.md §4.1's table (Notification(other), Stop with stop_hook_active).
func targetState(e *events.Event, current domain.State) (target domain.State, transitions bool, suppress SuppressReason) {
	switch e.Kind {
	case events.KindUserPromptSubmit, events.KindPreToolUse, events.KindPostToolUse:
		return domain.StateWorking, true, ""
	case events.KindPreCompact:
		return domain.StateCompacting, true, ""
	case events.KindPermissionRequest:
		return domain.StateWaiting, true, ""
	case events.KindNotification:
		switch e.Subtype {
		case events.SubtypeIdlePrompt:
			return domain.StateReady, true, ""
		case events.SubtypePermissionPrompt, events.SubtypeElicitation:
			return domain.StateWaiting, true, ""
		default:
			return current, false, ReasonNotificationOther
		}
	case events.KindStop:
		if e.StopHookActive {
			return current, false, ReasonStopContinued
		}
		return domain.StateReady, true, ""
	case events.KindSessionEnd:
		return domain.StateEnded, true, ""
	default:
		return current, false, ""
	}
}

func (r *Reducer) ingestShellCwd(ctx context.Context, e *events.Event) (IngestOutcome, error) {
	key := domain.OSKey{PID: e.Shell.ShellPID, ProcStartedAt: e.ProcStartedAt}
	shell := &domain.Shell{
		ShellPID:          e.Shell.ShellPID,
		ProcStartedAt:     e.ProcStartedAt,
		CWD:               e.CWD,
		ParentTerminalApp: e.Shell.ParentTerminalApp,
		IsTmux:            e.Shell.IsTmux,
		TmuxSessionName:   e.Shell.TmuxSessionName,
		TmuxClientTTY:     e.Shell.TmuxClientTTY,
		UpdatedAt:         e.ReceivedAt.Wall,
	}
	r.shells[key] = shell

	if err := r.persistShell(ctx, e, shell); err != nil {
		return IngestOutcome{}, err
	}
	return IngestOutcome{Kind: Applied}, nil
}

func (r *Reducer) persistShell(ctx context.Context, e *events.Event, s *domain.Shell) error {
	do := func() error {
		if r.events != nil {
			if _, err := r.events.Append(ctx, e, "applied"); err != nil {
				return err
			}
		}
		if r.store != nil {
			return r.store.PutShell(ctx, s)
		}
		return nil
	}
	if err := do(); err != nil {
		if err2 := do(); err2 != nil {
			return fmt.Errorf("persisting shell report: %w", err2)
		}
	}
	return nil
}

// Shells returns a snapshot of every known shell, for the ShellSnapshot method.
func (r *Reducer) Shells() []domain.Shell {
	out := make([]domain.Shell, 0, len(r.shells))
	for _, s := range r.shells {
		out = append(out, *s)
	}
	return out
}

// Sessions returns a snapshot of every live (non-terminal) in-memory session.
func (r *Reducer) Sessions() []domain.Session {
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}
