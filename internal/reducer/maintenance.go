package reducer

import (
	"context"
	"time"

	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/events"
	"github.com/claude-monitor/capacitor/internal/liveness"
)

// StateTransition records a state change produced by a liveness sweep, for
// logging and for tests asserting scenario S4 (PID reuse).
type StateTransition struct {
	SessionID string
	From      domain.State
	To        domain.State
	Reason    string
}

// LivenessResult is what the Supervisor feeds back into the Reducer after
// probing a session's (pid, proc_started_at) pair, per
// spec.md §5 ("publish their results into the Reducer queue as synthetic
// events").
type LivenessResult struct {
	SessionID string
	Verdict   liveness.Verdict
}

// ApplyLivenessSweep transitions every session whose OS process is verified
// dead to Idle, per spec.md §4.7's state machine note: "Idle is reached
// ... from any live state by verified death, never by explicit event."
// Sessions with an Unknown verdict (liveness could not be determined) are
// left untouched here; the Aggregator's staleness rules handle those at
// read time.
func (r *Reducer) ApplyLivenessSweep(ctx context.Context, now time.Time, results []LivenessResult) []StateTransition {
	var out []StateTransition
	for _, res := range results {
		if res.Verdict != liveness.Dead {
			continue
		}
		s, ok := r.sessions[res.SessionID]
		if !ok || s.State == domain.StateIdle || s.IsTerminal() {
			continue
		}
		from := s.State
		s.State = domain.StateIdle
		s.StateChangedAt = now
		s.UpdatedAt = now
		if r.store != nil {
			_ = r.store.PutSession(ctx, s)
		}
		out = append(out, StateTransition{SessionID: s.SessionID, From: from, To: domain.StateIdle, Reason: "verified_dead"})
	}
	return out
}

// PruneExpiredSessions deletes each named session's row from memory and the
// Snapshot Store, for sessions the Supervisor has determined exceeded their
// per-state TTL (spec.md §4.1's hard TTL, distinct from the Aggregator's
// read-time staleness demotion). Returns the subset actually removed.
func (r *Reducer) PruneExpiredSessions(ctx context.Context, sessionIDs []string) []string {
	var removed []string
	for _, id := range sessionIDs {
		if _, ok := r.sessions[id]; !ok {
			continue
		}
		delete(r.sessions, id)
		if r.store != nil {
			if err := r.store.DeleteSession(ctx, id); err != nil {
				r.log.Warn("failed to delete ttl-pruned session from snapshot store", "session_id", id, "error", err)
				continue
			}
		}
		removed = append(removed, id)
	}
	return removed
}

// LoadSnapshot populates the in-memory maps directly from rows already
// durable in the Snapshot Store, bypassing applyTransition entirely: this is
// recovered state, not an event sequence, so there is no transition to
// derive. It must run before RebuildFrom's event replay, since the event log
// only holds what happened after the Snapshot Store's high-water mark - on a
// graceful restart that is nothing at all, and the Snapshot Store's rows are
// the only surviving record of live sessions, shells, and tombstones.
func (r *Reducer) LoadSnapshot(sessions []domain.Session, shells []domain.Shell, tombstones []domain.Tombstone) {
	for i := range sessions {
		s := sessions[i]
		r.sessions[s.SessionID] = &s
	}
	for i := range shells {
		s := shells[i]
		r.shells[s.Key()] = &s
	}
	for i := range tombstones {
		t := tombstones[i]
		r.tombstones[t.SessionID] = &t
	}
}

// RebuildFrom replays a sequence of previously-persisted events against the
// current in-memory state (normally just hydrated by LoadSnapshot), used at
// startup to catch the Snapshot Store up to
// events beyond its high-water mark (spec.md §4.2). It does not re-append
// to the Event Store (these events are already durable there) but does
// re-populate the Snapshot Store, since that is the side that may have
// lagged behind a crash.
func (r *Reducer) RebuildFrom(ctx context.Context, replay []*events.Event) {
	savedEvents := r.events
	r.events = nil
	defer func() { r.events = savedEvents }()

	for _, e := range replay {
		if !e.Kind.Valid() {
			continue
		}
		if err := e.Validate(r.priorCWD(e.SessionID)); err != nil {
			continue
		}
		if e.Kind == events.KindShellCwd {
			_, _ = r.ingestShellCwd(ctx, e)
			continue
		}
		if e.Kind != events.KindSessionStart {
			if t, ok := r.tombstones[e.SessionID]; ok && !t.Expired(e.ReceivedAt.Wall, r.cfg.TombstoneGrace) {
				continue
			}
		}
		outcome, session := r.applyTransition(e)
		if session != nil {
			_ = r.persist(ctx, e, session, outcome)
		}
	}
}
