/**
 * CONTEXT:   Startup recovery, periodic maintenance, and graceful shutdown orchestration
 * INPUT:     The wired Event Store, Snapshot Store, Reducer, Aggregator, and IPC Server
 * OUTPUT:    A running daemon that recovers from crashes and prunes its own state over time
 * BUSINESS:  spec.md §4.7's five-step startup sequence and T_sweep maintenance cadence
 * CHANGE:    Generalized from the teacher's daemon.go lifecycle manager to the Supervisor role
 * RISK:      High - getting the recovery order wrong reopens the crash-recovery invariant
 */
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/arch"
	"github.com/claude-monitor/capacitor/internal/config"
	"github.com/claude-monitor/capacitor/internal/domain"
	"github.com/claude-monitor/capacitor/internal/eventstore"
	"github.com/claude-monitor/capacitor/internal/ipc"
	"github.com/claude-monitor/capacitor/internal/liveness"
	"github.com/claude-monitor/capacitor/internal/reducer"
	"github.com/claude-monitor/capacitor/internal/snapshotstore"
)

// Supervisor owns the daemon's lifecycle: startup recovery, periodic
// maintenance sweeps, and graceful shutdown (spec.md §4.7).
type Supervisor struct {
	cfg      *config.Config
	log      arch.Logger
	events   *eventstore.Store
	snapshot *snapshotstore.Store
	reducer  *reducer.Reducer
	activity *activityindex.Index
	prober   liveness.Prober
	pool     *liveness.Pool
	server   *ipc.Server
}

func New(cfg *config.Config, log arch.Logger, events *eventstore.Store, snapshot *snapshotstore.Store,
	red *reducer.Reducer, activity *activityindex.Index, prober liveness.Prober, pool *liveness.Pool, server *ipc.Server) *Supervisor {
	return &Supervisor{
		cfg: cfg, log: log, events: events, snapshot: snapshot,
		reducer: red, activity: activity, prober: prober, pool: pool, server: server,
	}
}

// Recover performs spec.md §4.7's five-step startup sequence, steps 1-4; step
// 5 (accepting connections) is the caller's job once Recover returns.
func (s *Supervisor) Recover(ctx context.Context) error {
	sessions, err := s.snapshot.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions from snapshot store: %w", err)
	}
	shells, err := s.snapshot.ListShells(ctx)
	if err != nil {
		return fmt.Errorf("listing shells from snapshot store: %w", err)
	}
	tombstones, err := s.snapshot.ListTombstones(ctx)
	if err != nil {
		return fmt.Errorf("listing tombstones from snapshot store: %w", err)
	}
	s.reducer.LoadSnapshot(sessions, shells, tombstones)
	s.log.Info("hydrated reducer from snapshot store", "sessions", len(sessions), "shells", len(shells), "tombstones", len(tombstones))

	hwm, err := s.events.HighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("reading high-water mark: %w", err)
	}

	replay, err := s.events.ReplaySince(ctx, hwm)
	if err != nil {
		return fmt.Errorf("replaying events since seq %d: %w", hwm, err)
	}
	if len(replay) > 0 {
		s.log.Info("replaying events beyond snapshot high-water mark", "count", len(replay), "after_seq", hwm)
		s.reducer.RebuildFrom(ctx, replay)
		lastSeq, err := s.events.Count(ctx)
		if err == nil {
			_ = s.events.SetHighWaterMark(ctx, lastSeq)
		}
	}

	s.pruneExpiredTombstones(time.Now())
	s.verifyAllLiveness(ctx, time.Now())

	s.log.Info("recovery complete", "sessions", len(s.reducer.Sessions()), "shells", len(s.reducer.Shells()))
	return nil
}

func (s *Supervisor) pruneExpiredTombstones(now time.Time) {
	// Tombstone expiry is enforced lazily on lookup (reducer.go), so
	// nothing is actively pruned here, in memory or in the Snapshot Store.
}

// applyLivenessSweep submits verdicts through the IPC server's single ingest
// goroutine when one is wired, so this never mutates Reducer state from the
// Supervisor's own goroutine concurrently with send_event handling (spec.md
// §5/§7). Tests that construct a Supervisor without a server run sweeps
// synchronously with no concurrent ingest loop, so applying directly there
// is safe.
func (s *Supervisor) applyLivenessSweep(ctx context.Context, now time.Time, results []reducer.LivenessResult) []reducer.StateTransition {
	if s.server != nil {
		return s.server.RunLivenessSweep(ctx, now, results)
	}
	return s.reducer.ApplyLivenessSweep(ctx, now, results)
}

// verifyAllLiveness synchronously checks every known session at startup
// (spec.md §4.7 step 4), marking verified-dead ones Idle before the daemon
// starts accepting connections.
func (s *Supervisor) verifyAllLiveness(ctx context.Context, now time.Time) {
	var results []reducer.LivenessResult
	for _, sess := range s.reducer.Sessions() {
		if sess.PID == 0 {
			continue
		}
		v := s.prober.Check(sess.PID, sess.ProcStartedAt)
		if v == liveness.Dead {
			results = append(results, reducer.LivenessResult{SessionID: sess.SessionID, Verdict: v})
		}
	}
	if len(results) > 0 {
		transitions := s.applyLivenessSweep(ctx, now, results)
		for _, t := range transitions {
			s.log.Info("session marked idle at startup", "session_id", t.SessionID, "from", t.From, "to", t.To)
		}
	}
}

// Run starts the periodic maintenance loop (spec.md §4.7's T_sweep cadence)
// and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	compactTicker := time.NewTicker(s.cfg.CompactionInterval)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-compactTicker.C:
			s.compact(ctx)
		}
	}
}

// sweep runs one maintenance pass: liveness re-verification of non-Idle
// sessions, shell staleness (read-time only, nothing to mutate here), and
// publishing a fresh snapshot to subscribers.
func (s *Supervisor) sweep(ctx context.Context) {
	now := time.Now()

	var results []reducer.LivenessResult
	for _, sess := range s.reducer.Sessions() {
		if sess.State == domain.StateIdle || sess.PID == 0 {
			continue
		}
		v := s.prober.Check(sess.PID, sess.ProcStartedAt)
		if v == liveness.Dead {
			results = append(results, reducer.LivenessResult{SessionID: sess.SessionID, Verdict: v})
		}
	}
	if len(results) > 0 {
		transitions := s.applyLivenessSweep(ctx, now, results)
		for _, t := range transitions {
			s.log.Debug("liveness sweep transitioned session", "session_id", t.SessionID, "from", t.From, "to", t.To)
		}
	}

	s.pruneExpiredTTLSessions(ctx, now)

	s.activity.Prune(now, s.cfg.ActivityRetention)

	if s.server != nil {
		s.server.PublishSnapshots(ctx)
	}
}

// pruneExpiredTTLSessions removes session rows that have outlived the hard
// per-state TTL (spec.md §4.1), distinct from the Aggregator's read-time
// staleness-to-Idle demotion: this deletes the row outright once it has sat
// in a state for longer than that state's TTL permits, regardless of
// whether it was ever marked stale. Active covers Working/Waiting/
// Compacting, Ready gets its own TTL, and Idle its own.
func (s *Supervisor) pruneExpiredTTLSessions(ctx context.Context, now time.Time) {
	var expired []string
	for _, sess := range s.reducer.Sessions() {
		ttl, ok := s.ttlFor(sess.State)
		if !ok {
			continue
		}
		if now.Sub(sess.UpdatedAt) <= ttl {
			continue
		}
		expired = append(expired, sess.SessionID)
	}
	if len(expired) == 0 {
		return
	}

	var removed []string
	if s.server != nil {
		removed = s.server.RunTTLPrune(ctx, expired)
	} else {
		removed = s.reducer.PruneExpiredSessions(ctx, expired)
	}
	for _, id := range removed {
		s.log.Info("session pruned by ttl", "session_id", id)
	}
}

func (s *Supervisor) ttlFor(state domain.State) (time.Duration, bool) {
	switch state {
	case domain.StateWorking, domain.StateWaiting, domain.StateCompacting:
		return s.cfg.ActiveTTL, true
	case domain.StateReady:
		return s.cfg.ReadyTTL, true
	case domain.StateIdle:
		return s.cfg.IdleTTL, true
	default:
		return 0, false
	}
}

func (s *Supervisor) compact(ctx context.Context) {
	count, err := s.events.Count(ctx)
	if err != nil {
		s.log.Warn("failed to count event log for compaction decision", "error", err)
		return
	}
	if count < int64(s.cfg.LogCompactionThreshold) {
		return
	}
	cutoff := time.Now().Add(-s.cfg.LogRetentionHorizon)
	removed, err := s.events.Compact(ctx, cutoff)
	if err != nil {
		s.log.Warn("event log compaction failed", "error", err)
		return
	}
	s.log.Info("compacted event log", "removed_rows", removed, "retention_horizon", s.cfg.LogRetentionHorizon)
}

// Shutdown performs spec.md §4.7's shutdown sequence: stop accepting new
// connections, drain the Reducer queue, write a fresh high-water mark,
// close stores.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down: draining ipc server")
	if s.server != nil {
		s.server.Shutdown()
	}
	if s.pool != nil {
		s.pool.Close()
	}

	seq, err := s.events.Count(ctx)
	if err == nil {
		_ = s.events.SetHighWaterMark(ctx, seq)
	}

	if err := s.snapshot.Close(); err != nil {
		s.log.Warn("error closing snapshot store", "error", err)
	}
	if err := s.events.Close(); err != nil {
		s.log.Warn("error closing event store", "error", err)
	}
	s.log.Info("shutdown complete")
	return nil
}
