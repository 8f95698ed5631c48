/**
 * CONTEXT:   Tests for the Reducer's event -> state transitions and tombstone suppression
 * INPUT:     Synthetic event sequences exercising spec.md §8's testable properties
 * OUTPUT:    Assertions that ingest outcomes and resulting session state match the mapping table
 * BUSINESS:  This is the single mutator; a regression here corrupts every downstream view
 * CHANGE:    New test suite; generalized from the teacher's usecases table-driven test style
 * RISK:      High - covers invariants 2-4 of spec.md §8
 */
package reducer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/events"
	"github.com/claude-monitor/capacitor/internal/identity"
	"github.com/claude-monitor/capacitor/internal/liveness"
	"github.com/claude-monitor/capacitor/internal/logging"
)

func newTestReducer(t *testing.T) *Reducer {
	t.Helper()
	resolver := identity.New(false)
	log := logging.New("test", logging.LevelError)
	return New(Config{TombstoneGrace: 60 * time.Second}, resolver, activityindex.New(), nil, nil, log)
}

func mkEvent(kind events.Kind, sessionID string, pid int, cwd string, at time.Time) *events.Event {
	return &events.Event{
		Kind:       kind,
		SessionID:  sessionID,
		PID:        pid,
		CWD:        cwd,
		ReceivedAt: events.Received{Wall: at},
	}
}

func TestIngest_SessionStartCreatesReadySession(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()

	outcome, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/home/dev/proj", now))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome.Kind)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StateReady, sessions[0].State)
	assert.Equal(t, "/home/dev/proj", sessions[0].CWD)
}

func TestIngest_EventMappingTable(t *testing.T) {
	cases := []struct {
		name  string
		kind  events.Kind
		setup func(e *events.Event)
		want  domain.State
	}{
		{"UserPromptSubmit -> Working", events.KindUserPromptSubmit, nil, domain.StateWorking},
		{"PreToolUse -> Working", events.KindPreToolUse, nil, domain.StateWorking},
		{"PostToolUse -> Working", events.KindPostToolUse, nil, domain.StateWorking},
		{"PreCompact -> Compacting", events.KindPreCompact, nil, domain.StateCompacting},
		{"PermissionRequest -> Waiting", events.KindPermissionRequest, nil, domain.StateWaiting},
		{"Notification idle_prompt -> Ready", events.KindNotification, func(e *events.Event) { e.Subtype = events.SubtypeIdlePrompt }, domain.StateReady},
		{"Notification permission_prompt -> Waiting", events.KindNotification, func(e *events.Event) { e.Subtype = events.SubtypePermissionPrompt }, domain.StateWaiting},
		{"Stop without stop_hook_active -> Ready", events.KindStop, nil, domain.StateReady},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestReducer(t)
			now := time.Now()
			_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
			require.NoError(t, err)

			e := mkEvent(tc.kind, "s1", 100, "/repo", now.Add(time.Second))
			if tc.setup != nil {
				tc.setup(e)
			}
			outcome, err := r.Ingest(context.Background(), e)
			require.NoError(t, err)
			require.Equal(t, Applied, outcome.Kind)

			sessions := r.Sessions()
			require.Len(t, sessions, 1)
			assert.Equal(t, tc.want, sessions[0].State)
		})
	}
}

func TestIngest_NotificationOtherSuppressedWithoutStateChange(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)
	_, err = r.Ingest(context.Background(), mkEventWithSubtype("s1", 100, "/repo", now.Add(time.Second), "other"))
	require.NoError(t, err)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StateReady, sessions[0].State)
}

func mkEventWithSubtype(sessionID string, pid int, cwd string, at time.Time, subtype string) *events.Event {
	e := mkEvent(events.KindNotification, sessionID, pid, cwd, at)
	e.Subtype = subtype
	return e
}

func TestIngest_StopWithStopHookActiveDoesNotTransition(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)
	_, err = r.Ingest(context.Background(), mkEvent(events.KindUserPromptSubmit, "s1", 100, "/repo", now.Add(time.Second)))
	require.NoError(t, err)

	e := mkEvent(events.KindStop, "s1", 100, "/repo", now.Add(2*time.Second))
	e.StopHookActive = true
	outcome, err := r.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Suppressed, outcome.Kind)
	assert.Equal(t, ReasonStopContinued, outcome.Suppress)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StateWorking, sessions[0].State, "still considered continuing, not reset to Ready")
}

// TestTombstoneMonotonicity covers spec.md §8 invariant 4: after SessionEnd,
// non-SessionStart events for the same id within the grace window suppress.
func TestTombstoneMonotonicity(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)

	_, err = r.Ingest(context.Background(), mkEvent(events.KindSessionEnd, "s1", 100, "/repo", now.Add(time.Second)))
	require.NoError(t, err)
	assert.Empty(t, r.Sessions(), "ended session is retired from the live map")

	late := mkEvent(events.KindUserPromptSubmit, "s1", 100, "/repo", now.Add(5*time.Second))
	outcome, err := r.Ingest(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, Suppressed, outcome.Kind)
	assert.Equal(t, ReasonTombstoned, outcome.Suppress)

	restart := mkEvent(events.KindSessionStart, "s1", 101, "/repo", now.Add(6*time.Second))
	outcome, err = r.Ingest(context.Background(), restart)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome.Kind, "SessionStart always escapes the tombstone")
}

func TestTombstoneExpiresAfterGrace(t *testing.T) {
	r := newTestReducer(t)
	r.cfg.TombstoneGrace = 10 * time.Millisecond
	now := time.Now()
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)
	_, err = r.Ingest(context.Background(), mkEvent(events.KindSessionEnd, "s1", 100, "/repo", now.Add(time.Millisecond)))
	require.NoError(t, err)

	afterGrace := now.Add(time.Second)
	e := mkEvent(events.KindUserPromptSubmit, "s1", 100, "/repo", afterGrace)
	outcome, err := r.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome.Kind, "grace window elapsed; event re-synthesizes a session")
}

func TestIngest_RejectsUnknownKind(t *testing.T) {
	r := newTestReducer(t)
	e := mkEvent(events.Kind("BogusKind"), "s1", 100, "/repo", time.Now())
	outcome, err := r.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.Kind)
	assert.Equal(t, RejectUnknownKind, outcome.Reject)
}

func TestIngest_RejectsMissingPID(t *testing.T) {
	r := newTestReducer(t)
	e := mkEvent(events.KindSessionStart, "s1", 0, "/repo", time.Now())
	outcome, err := r.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.Kind)
	assert.Equal(t, RejectMalformed, outcome.Reject)
}

func TestIngest_ShellCwdTracksShellsSeparatelyFromSessions(t *testing.T) {
	r := newTestReducer(t)
	e := &events.Event{
		Kind:       events.KindShellCwd,
		PID:        500,
		CWD:        "/home/dev/proj",
		ReceivedAt: events.Received{Wall: time.Now()},
		Shell:      events.ShellFields{ShellPID: 500, ParentTerminalApp: "iTerm"},
	}
	outcome, err := r.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome.Kind)

	shells := r.Shells()
	require.Len(t, shells, 1)
	assert.Equal(t, "/home/dev/proj", shells[0].CWD)
	assert.Empty(t, r.Sessions(), "ShellCwd never creates a session")
}

// failingAppender always fails Append, simulating a persistence outage.
type failingAppender struct{ err error }

func (f *failingAppender) Append(ctx context.Context, e *events.Event, outcome string) (int64, error) {
	return 0, f.err
}

func TestIngest_PersistFailureOnSessionStartRollsBackTheNewSession(t *testing.T) {
	resolver := identity.New(false)
	log := logging.New("test", logging.LevelError)
	r := New(Config{TombstoneGrace: 60 * time.Second}, resolver, activityindex.New(), nil,
		&failingAppender{err: errors.New("disk full")}, log)

	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", time.Now()))
	require.Error(t, err)
	assert.Empty(t, r.Sessions(), "a session created by a SessionStart that failed to persist must not remain live in memory")
}

func TestIngest_PersistFailureOnExistingSessionRestoresPriorState(t *testing.T) {
	resolver := identity.New(false)
	log := logging.New("test", logging.LevelError)
	appender := &failingAppender{}
	r := New(Config{TombstoneGrace: 60 * time.Second}, resolver, activityindex.New(), nil, appender, log)
	now := time.Now()

	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)
	_, err = r.Ingest(context.Background(), mkEvent(events.KindUserPromptSubmit, "s1", 100, "/repo", now.Add(time.Second)))
	require.NoError(t, err)

	before := r.Sessions()
	require.Len(t, before, 1)
	require.Equal(t, domain.StateWorking, before[0].State)
	beforeUpdatedAt := before[0].UpdatedAt

	appender.err = errors.New("disk full")
	_, err = r.Ingest(context.Background(), mkEvent(events.KindPermissionRequest, "s1", 100, "/repo", now.Add(2*time.Second)))
	require.Error(t, err)

	after := r.Sessions()
	require.Len(t, after, 1)
	assert.Equal(t, domain.StateWorking, after[0].State, "failed persist must not leave the session advanced to Waiting")
	assert.True(t, after[0].UpdatedAt.Equal(beforeUpdatedAt), "updated_at must roll back along with state")
}

func TestIngest_PersistFailureOnSessionEndRestoresSessionAndClearsSyntheticTombstone(t *testing.T) {
	resolver := identity.New(false)
	log := logging.New("test", logging.LevelError)
	appender := &failingAppender{}
	r := New(Config{TombstoneGrace: 60 * time.Second}, resolver, activityindex.New(), nil, appender, log)
	now := time.Now()

	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)

	appender.err = errors.New("disk full")
	_, err = r.Ingest(context.Background(), mkEvent(events.KindSessionEnd, "s1", 100, "/repo", now.Add(time.Second)))
	require.Error(t, err)

	sessions := r.Sessions()
	require.Len(t, sessions, 1, "a SessionEnd that failed to persist must not retire the session from memory")
	assert.NotEqual(t, domain.StateEnded, sessions[0].State)
	_, tombstoned := r.tombstones["s1"]
	assert.False(t, tombstoned, "a tombstone created by a failed SessionEnd must not remain in memory")
}

func TestApplyLivenessSweep_TransitionsDeadSessionsToIdle(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", now))
	require.NoError(t, err)
	_, err = r.Ingest(context.Background(), mkEvent(events.KindUserPromptSubmit, "s1", 100, "/repo", now.Add(time.Second)))
	require.NoError(t, err)

	transitions := r.ApplyLivenessSweep(context.Background(), now.Add(2*time.Second), []LivenessResult{
		{SessionID: "s1", Verdict: liveness.Dead},
	})
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.StateWorking, transitions[0].From)
	assert.Equal(t, domain.StateIdle, transitions[0].To)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StateIdle, sessions[0].State)
}

func TestLoadSnapshot_PopulatesSessionsShellsAndTombstonesWithoutReplaying(t *testing.T) {
	r := newTestReducer(t)
	now := time.Now()

	r.LoadSnapshot(
		[]domain.Session{{SessionID: "s1", State: domain.StateWorking, UpdatedAt: now}},
		[]domain.Shell{{ShellPID: 200, ProcStartedAt: 1000, CWD: "/repo", UpdatedAt: now}},
		[]domain.Tombstone{{SessionID: "s2", EndedAt: now}},
	)

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, domain.StateWorking, sessions[0].State)

	shells := r.Shells()
	require.Len(t, shells, 1)
	assert.Equal(t, 200, shells[0].ShellPID)

	_, tombstoned := r.tombstones["s2"]
	assert.True(t, tombstoned, "a hydrated tombstone must still suppress late events for its session")
}

func TestPruneExpiredSessions_RemovesOnlyKnownSessions(t *testing.T) {
	r := newTestReducer(t)
	_, err := r.Ingest(context.Background(), mkEvent(events.KindSessionStart, "s1", 100, "/repo", time.Now()))
	require.NoError(t, err)

	removed := r.PruneExpiredSessions(context.Background(), []string{"s1", "unknown"})
	assert.Equal(t, []string{"s1"}, removed, "only sessions actually present are reported as removed")
	assert.Empty(t, r.Sessions())
}
