/**
 * CONTEXT:   Tests for the KuzuDB-backed snapshot graph
 * INPUT:     A real on-disk graph under t.TempDir(), plus the pure DDL-splitting helpers
 * OUTPUT:    Assertions that writes round-trip through ListSessions/ListShells
 * BUSINESS:  A drift here between in-memory Reducer state and the persisted graph misleads every reader
 * CHANGE:    New test suite; grounded on the teacher's kuzu repository tests
 * RISK:      Medium - exercises the only durable read path for get_sessions/get_shell_state
 */
package snapshotstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-monitor/capacitor/internal/domain"
)

func TestSplitStatements_IgnoresBlankStatementsAndTrimsWhitespace(t *testing.T) {
	script := `
		CREATE NODE TABLE IF NOT EXISTS A(id STRING, PRIMARY KEY(id));

		CREATE NODE TABLE IF NOT EXISTS B(id STRING, PRIMARY KEY(id));
	`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE NODE TABLE IF NOT EXISTS A(id STRING, PRIMARY KEY(id))", stmts[0])
	assert.Equal(t, "CREATE NODE TABLE IF NOT EXISTS B(id STRING, PRIMARY KEY(id))", stmts[1])
}

func TestTrimSpace(t *testing.T) {
	assert.Equal(t, "x", trimSpace("  \n\tx\t \n"))
	assert.Equal(t, "", trimSpace("   "))
}

func TestConverters(t *testing.T) {
	assert.Equal(t, "", toString(nil))
	assert.Equal(t, "abc", toString("abc"))
	assert.Equal(t, int64(0), toInt64("not a number"))
	assert.Equal(t, int64(5), toInt64(5))
	assert.Equal(t, int64(5), toInt64(int64(5)))
	assert.Equal(t, int64(5), toInt64(float64(5)))
	assert.False(t, toBool(nil))
	assert.True(t, toBool(true))
	assert.True(t, toTime(nil).IsZero())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "snapshot.kuzu")
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutSession_RoundTripsThroughListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sess := &domain.Session{
		SessionID: "s1", PID: 100, CWD: "/repo", ProjectID: "/repo", WorkspaceID: "/repo",
		State: domain.StateWorking, StateChangedAt: now, UpdatedAt: now, LastEventKind: "UserPromptSubmit",
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, domain.StateWorking, got[0].State)
}

func TestDeleteSession_RemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sess := &domain.Session{SessionID: "s1", ProjectID: "/repo", WorkspaceID: "/repo", State: domain.StateReady, StateChangedAt: now, UpdatedAt: now}
	require.NoError(t, s.PutSession(ctx, sess))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	got, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPutShell_RoundTripsThroughListShells(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	shell := &domain.Shell{ShellPID: 500, CWD: "/repo", ParentTerminalApp: "iTerm", UpdatedAt: now}
	require.NoError(t, s.PutShell(ctx, shell))

	got, err := s.ListShells(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500, got[0].ShellPID)
	assert.Equal(t, "/repo", got[0].CWD)
}

func TestPutTombstoneAndDeleteTombstone_DoNotError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tomb := &domain.Tombstone{SessionID: "s1", EndedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, s.PutTombstone(ctx, tomb))
	require.NoError(t, s.DeleteTombstone(ctx, "s1"))
}

func TestPutTombstone_RoundTripsThroughListTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tomb := &domain.Tombstone{SessionID: "s1", EndedAt: now}
	require.NoError(t, s.PutTombstone(ctx, tomb))

	got, err := s.ListTombstones(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.True(t, now.Equal(got[0].EndedAt))
}

func TestListTombstones_OmitsDeletedTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTombstone(ctx, &domain.Tombstone{SessionID: "s1", EndedAt: time.Now().UTC()}))
	require.NoError(t, s.DeleteTombstone(ctx, "s1"))

	got, err := s.ListTombstones(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "a deleted tombstone must not survive into a subsequent recovery hydration")
}
