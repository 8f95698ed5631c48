/**
 * CONTEXT:   Materialized Session/Shell/Tombstone/Activity graph — the Snapshot Store
 * INPUT:     Writes from the Reducer (same call as the Event Store append); reads from the Aggregator
 * OUTPUT:    Current session/shell/project/workspace state, queryable by graph traversal
 * BUSINESS:  "Projects do not reference sessions back" (spec.md §9) — a graph fits the reverse lookup
 * CHANGE:    Generalized from the teacher's per-entity KuzuDB repositories into one snapshot graph
 * RISK:      Medium - every write here must agree with the Reducer's in-memory model or aggregation drifts
 */
package snapshotstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kuzudb/go-kuzu"

	"github.com/claude-monitor/capacitor/internal/domain"
)

const schema = `
CREATE NODE TABLE IF NOT EXISTS Project(id STRING, PRIMARY KEY(id));
CREATE NODE TABLE IF NOT EXISTS Workspace(id STRING, project_id STRING, PRIMARY KEY(id));
CREATE NODE TABLE IF NOT EXISTS Session(
    session_id STRING, pid INT64, proc_started_at INT64, pid_verified BOOLEAN,
    cwd STRING, project_id STRING, workspace_id STRING, state STRING,
    state_changed_at TIMESTAMP, updated_at TIMESTAMP, last_event_kind STRING,
    PRIMARY KEY(session_id)
);
CREATE NODE TABLE IF NOT EXISTS Shell(
    shell_key STRING, shell_pid INT64, proc_started_at INT64, cwd STRING,
    parent_terminal_app STRING, is_tmux BOOLEAN, tmux_session_name STRING,
    tmux_client_tty STRING, updated_at TIMESTAMP, PRIMARY KEY(shell_key)
);
CREATE NODE TABLE IF NOT EXISTS Tombstone(session_id STRING, ended_at TIMESTAMP, PRIMARY KEY(session_id));
CREATE REL TABLE IF NOT EXISTS IN_PROJECT(FROM Session TO Project);
CREATE REL TABLE IF NOT EXISTS HAS_WORKSPACE(FROM Project TO Workspace);
`

// Store is the KuzuDB-backed Snapshot Store.
type Store struct {
	db   *kuzu.Database
	mu   sync.Mutex // Kuzu connections are not safe for concurrent statement execution
	conn *kuzu.Connection
}

// Open creates or opens the snapshot graph at path, applying the schema
// idempotently (Kuzu's `IF NOT EXISTS` DDL, following the teacher's
// connection-then-migrate idiom in kuzu_connection.go).
func Open(path string) (*Store, error) {
	db, err := kuzu.OpenDatabase(path, kuzu.DefaultSystemConfig())
	if err != nil {
		return nil, fmt.Errorf("opening snapshot graph at %s: %w", path, err)
	}
	conn, err := kuzu.NewConnection(db)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot connection: %w", err)
	}
	s := &Store{db: db, conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range splitStatements(schema) {
		if _, err := s.conn.Query(stmt); err != nil {
			return fmt.Errorf("applying snapshot schema: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	start := 0
	for i, c := range script {
		if c == ';' {
			stmt := script[start:i]
			if trimmed := trimSpace(stmt); trimmed != "" {
				out = append(out, trimmed)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && isSpace(s[i]) {
		i++
	}
	for j > i && isSpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\t' || b == '\r' }

func (s *Store) Close() error {
	s.conn.Close()
	s.db.Close()
	return nil
}

// query runs a parameterized Cypher statement under the store's lock; Kuzu's
// Go driver serializes statement execution per connection.
func (s *Store) query(ctx context.Context, cypher string, params map[string]interface{}) (*kuzu.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(params) == 0 {
		return s.conn.Query(cypher)
	}
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	return s.conn.Execute(stmt, params)
}

func shellKey(shell *domain.Shell) string {
	return fmt.Sprintf("%d:%d", shell.ShellPID, shell.ProcStartedAt)
}

// PutSession upserts s and ensures its Project/Workspace nodes and edges
// exist, mirroring the teacher's "ensure parent exists, then MERGE child"
// transaction shape in kuzu_session_repository.go.
func (s *Store) PutSession(ctx context.Context, sess *domain.Session) error {
	if _, err := s.query(ctx, `MERGE (p:Project {id: $project_id})`, map[string]interface{}{
		"project_id": sess.ProjectID,
	}); err != nil {
		return fmt.Errorf("ensuring project node: %w", err)
	}
	if _, err := s.query(ctx, `MERGE (w:Workspace {id: $workspace_id, project_id: $project_id})`, map[string]interface{}{
		"workspace_id": sess.WorkspaceID, "project_id": sess.ProjectID,
	}); err != nil {
		return fmt.Errorf("ensuring workspace node: %w", err)
	}
	if _, err := s.query(ctx, `
		MATCH (p:Project {id: $project_id}), (w:Workspace {id: $workspace_id})
		MERGE (p)-[:HAS_WORKSPACE]->(w)`, map[string]interface{}{
		"project_id": sess.ProjectID, "workspace_id": sess.WorkspaceID,
	}); err != nil {
		return fmt.Errorf("ensuring project-workspace edge: %w", err)
	}

	_, err := s.query(ctx, `
		MERGE (sn:Session {session_id: $session_id})
		SET sn.pid = $pid, sn.proc_started_at = $proc_started_at, sn.pid_verified = $pid_verified,
		    sn.cwd = $cwd, sn.project_id = $project_id, sn.workspace_id = $workspace_id,
		    sn.state = $state, sn.state_changed_at = $state_changed_at, sn.updated_at = $updated_at,
		    sn.last_event_kind = $last_event_kind`, map[string]interface{}{
		"session_id": sess.SessionID, "pid": int64(sess.PID), "proc_started_at": sess.ProcStartedAt,
		"pid_verified": sess.PIDVerified, "cwd": sess.CWD, "project_id": sess.ProjectID,
		"workspace_id": sess.WorkspaceID, "state": string(sess.State),
		"state_changed_at": sess.StateChangedAt, "updated_at": sess.UpdatedAt,
		"last_event_kind": sess.LastEventKind,
	})
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	_, err = s.query(ctx, `
		MATCH (sn:Session {session_id: $session_id}), (p:Project {id: $project_id})
		MERGE (sn)-[:IN_PROJECT]->(p)`, map[string]interface{}{
		"session_id": sess.SessionID, "project_id": sess.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("ensuring session-project edge: %w", err)
	}
	return nil
}

// DeleteSession retires a session row once it reaches Ended or is pruned by
// TTL. Its Project/Workspace nodes are left in place — other sessions may
// still reference them, and a project with no live session simply stops
// appearing in get_project_states.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.query(ctx, `
		MATCH (sn:Session {session_id: $session_id})
		DETACH DELETE sn`, map[string]interface{}{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *Store) PutShell(ctx context.Context, shell *domain.Shell) error {
	_, err := s.query(ctx, `
		MERGE (sh:Shell {shell_key: $key})
		SET sh.shell_pid = $pid, sh.proc_started_at = $proc_started_at, sh.cwd = $cwd,
		    sh.parent_terminal_app = $parent_terminal_app, sh.is_tmux = $is_tmux,
		    sh.tmux_session_name = $tmux_session_name, sh.tmux_client_tty = $tmux_client_tty,
		    sh.updated_at = $updated_at`, map[string]interface{}{
		"key": shellKey(shell), "pid": int64(shell.ShellPID), "proc_started_at": shell.ProcStartedAt,
		"cwd": shell.CWD, "parent_terminal_app": shell.ParentTerminalApp, "is_tmux": shell.IsTmux,
		"tmux_session_name": shell.TmuxSessionName, "tmux_client_tty": shell.TmuxClientTTY,
		"updated_at": shell.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("upserting shell: %w", err)
	}
	return nil
}

func (s *Store) PutTombstone(ctx context.Context, t *domain.Tombstone) error {
	_, err := s.query(ctx, `
		MERGE (t:Tombstone {session_id: $session_id})
		SET t.ended_at = $ended_at`, map[string]interface{}{
		"session_id": t.SessionID, "ended_at": t.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("upserting tombstone: %w", err)
	}
	return nil
}

func (s *Store) DeleteTombstone(ctx context.Context, sessionID string) error {
	_, err := s.query(ctx, `
		MATCH (t:Tombstone {session_id: $session_id}) DELETE t`, map[string]interface{}{
		"session_id": sessionID,
	})
	if err != nil {
		return fmt.Errorf("deleting tombstone: %w", err)
	}
	return nil
}

// PutActivity does not persist individual activity entries into the graph:
// the Activity Index (spec.md §4.4) is an in-memory ring buffer by design,
// rebuilt from the Event Store on restart like everything else transient.
func (s *Store) PutActivity(ctx context.Context, e domain.ActivityEntry) error {
	return nil
}

// ListSessions returns every Session node, for the Aggregator.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	res, err := s.query(ctx, `
		MATCH (sn:Session)
		RETURN sn.session_id, sn.pid, sn.proc_started_at, sn.pid_verified, sn.cwd,
		       sn.project_id, sn.workspace_id, sn.state, sn.state_changed_at, sn.updated_at,
		       sn.last_event_kind`, nil)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer res.Close()

	var out []domain.Session
	for res.HasNext() {
		rec, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("reading session record: %w", err)
		}
		sess, err := sessionFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) ListShells(ctx context.Context) ([]domain.Shell, error) {
	res, err := s.query(ctx, `
		MATCH (sh:Shell)
		RETURN sh.shell_pid, sh.proc_started_at, sh.cwd, sh.parent_terminal_app,
		       sh.is_tmux, sh.tmux_session_name, sh.tmux_client_tty, sh.updated_at`, nil)
	if err != nil {
		return nil, fmt.Errorf("listing shells: %w", err)
	}
	defer res.Close()

	var out []domain.Shell
	for res.HasNext() {
		rec, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("reading shell record: %w", err)
		}
		sh, err := shellFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, nil
}

// ListTombstones returns every Tombstone node, so a restarting daemon can
// rehydrate the Reducer's suppression window instead of starting clean.
func (s *Store) ListTombstones(ctx context.Context) ([]domain.Tombstone, error) {
	res, err := s.query(ctx, `MATCH (t:Tombstone) RETURN t.session_id, t.ended_at`, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tombstones: %w", err)
	}
	defer res.Close()

	var out []domain.Tombstone
	for res.HasNext() {
		rec, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("reading tombstone record: %w", err)
		}
		t, err := tombstoneFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func sessionFromRecord(rec *kuzu.FlatTuple) (domain.Session, error) {
	vals, err := rec.GetAsSlice()
	if err != nil {
		return domain.Session{}, fmt.Errorf("flattening session record: %w", err)
	}
	get := func(i int) interface{} {
		if i < len(vals) {
			return vals[i]
		}
		return nil
	}
	s := domain.Session{
		SessionID:      toString(get(0)),
		PID:            int(toInt64(get(1))),
		ProcStartedAt:  toInt64(get(2)),
		PIDVerified:    toBool(get(3)),
		CWD:            toString(get(4)),
		ProjectID:      toString(get(5)),
		WorkspaceID:    toString(get(6)),
		State:          domain.State(toString(get(7))),
		StateChangedAt: toTime(get(8)),
		UpdatedAt:      toTime(get(9)),
		LastEventKind:  toString(get(10)),
	}
	return s, nil
}

func shellFromRecord(rec *kuzu.FlatTuple) (domain.Shell, error) {
	vals, err := rec.GetAsSlice()
	if err != nil {
		return domain.Shell{}, fmt.Errorf("flattening shell record: %w", err)
	}
	get := func(i int) interface{} {
		if i < len(vals) {
			return vals[i]
		}
		return nil
	}
	sh := domain.Shell{
		ShellPID:          int(toInt64(get(0))),
		ProcStartedAt:     toInt64(get(1)),
		CWD:               toString(get(2)),
		ParentTerminalApp: toString(get(3)),
		IsTmux:            toBool(get(4)),
		TmuxSessionName:   toString(get(5)),
		TmuxClientTTY:     toString(get(6)),
		UpdatedAt:         toTime(get(7)),
	}
	return sh, nil
}

func tombstoneFromRecord(rec *kuzu.FlatTuple) (domain.Tombstone, error) {
	vals, err := rec.GetAsSlice()
	if err != nil {
		return domain.Tombstone{}, fmt.Errorf("flattening tombstone record: %w", err)
	}
	get := func(i int) interface{} {
		if i < len(vals) {
			return vals[i]
		}
		return nil
	}
	return domain.Tombstone{SessionID: toString(get(0)), EndedAt: toTime(get(1))}, nil
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func toTime(v interface{}) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}
