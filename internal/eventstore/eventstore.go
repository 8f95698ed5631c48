/**
 * CONTEXT:   Append-only durable log of ingested hook events
 * INPUT:     Normalized Events from the Reducer, one append per Ingest call
 * OUTPUT:    A monotonically sequenced, fsync-backed history, replayable from any seq
 * BUSINESS:  Crash recovery (spec.md §4.2) depends on every acknowledged append surviving
 * CHANGE:    Generalized from the teacher's session/work-block tables to a single event log
 * RISK:      High - an append that returns success but is lost violates the crash-recovery invariant
 */
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/claude-monitor/capacitor/internal/events"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is the SQLite-backed Event Store. It opens with a single
// connection (MaxOpenConns(1)) so SQLite's own write serialization lines
// up with the Reducer's single-writer model, and opens with
// synchronous=FULL to satisfy the "fsync before ack" rule of spec.md §4.2
// without an explicit batching layer.
type Store struct {
	db *sql.DB
}

// Open creates or opens the event log at path, applying the teacher's WAL
// connection-string idiom (connection.go) adapted to a single-writer pool.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event store directory: %w", err)
	}

	dsn := path +
		"?_foreign_keys=on" +
		"&_journal_mode=WAL" +
		"&_synchronous=FULL" +
		"&_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append durably records e with its ingestion outcome, fsync'ing before
// returning (via SQLite's synchronous=FULL pragma on this connection).
func (s *Store) Append(ctx context.Context, e *events.Event, outcome string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			kind, session_id, pid, proc_started_at, pid_verified, cwd,
			tool_kind, file_path, subtype, stop_hook_active,
			shell_pid, shell_terminal, shell_is_tmux, shell_tmux_session, shell_tmux_tty,
			received_at_wall, received_at_mono, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), nullable(e.SessionID), e.PID, e.ProcStartedAt, boolToInt(e.PIDVerified), e.CWD,
		e.ToolKind, e.FilePath, e.Subtype, boolToInt(e.StopHookActive),
		e.Shell.ShellPID, e.Shell.ParentTerminalApp, boolToInt(e.Shell.IsTmux), e.Shell.TmuxSessionName, e.Shell.TmuxClientTTY,
		e.ReceivedAt.Wall.UnixNano(), e.ReceivedAt.Monotonic, outcome,
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	return res.LastInsertId()
}

// ReplaySince returns every event with seq > afterSeq, in order, for
// startup recovery (spec.md §4.2).
func (s *Store) ReplaySince(ctx context.Context, afterSeq int64) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, session_id, pid, proc_started_at, pid_verified, cwd,
			tool_kind, file_path, subtype, stop_hook_active,
			shell_pid, shell_terminal, shell_is_tmux, shell_tmux_session, shell_tmux_tty,
			received_at_wall, received_at_mono
		FROM events WHERE seq > ? ORDER BY seq ASC`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying replay events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var sessionID sql.NullString
		var pidVerified, stopActive, isTmux int
		var receivedNano int64
		if err := rows.Scan(
			&e.Kind, &sessionID, &e.PID, &e.ProcStartedAt, &pidVerified, &e.CWD,
			&e.ToolKind, &e.FilePath, &e.Subtype, &stopActive,
			&e.Shell.ShellPID, &e.Shell.ParentTerminalApp, &isTmux, &e.Shell.TmuxSessionName, &e.Shell.TmuxClientTTY,
			&receivedNano, &e.ReceivedAt.Monotonic,
		); err != nil {
			return nil, fmt.Errorf("scanning replay event: %w", err)
		}
		e.SessionID = sessionID.String
		e.PIDVerified = pidVerified != 0
		e.StopHookActive = stopActive != 0
		e.Shell.IsTmux = isTmux != 0
		e.ReceivedAt.Wall = time.Unix(0, receivedNano).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// HighWaterMark returns the last sequence number recorded as compacted
// into the snapshot, or 0 if none has been recorded yet.
func (s *Store) HighWaterMark(ctx context.Context) (int64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'snapshot_hwm'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading high-water mark: %w", err)
	}
	var hwm int64
	_, err = fmt.Sscanf(v, "%d", &hwm)
	return hwm, err
}

// SetHighWaterMark records the sequence number up to which the Snapshot
// Store is known to be current.
func (s *Store) SetHighWaterMark(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('snapshot_hwm', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", seq))
	return err
}

// Compact truncates events older than retention whose seq is at or below
// the current snapshot high-water mark (already reflected in the snapshot),
// never touching anything after it (spec.md §4.2).
func (s *Store) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	hwm, err := s.HighWaterMark(ctx)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE received_at_wall < ? AND seq <= ?`,
		olderThan.UnixNano(), hwm)
	if err != nil {
		return 0, fmt.Errorf("compacting event log: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of rows currently retained, used to decide
// whether compaction is due (spec.md §4.2's N_log threshold).
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
