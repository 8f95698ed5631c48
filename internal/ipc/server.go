/**
 * CONTEXT:   Unix-domain socket front end dispatching requests to the Reducer/Aggregator
 * INPUT:     Length-delimited newline-terminated JSON requests, one connection per client
 * OUTPUT:    Responses and, for subscribed connections, a stream of Notifications
 * BUSINESS:  "The Reducer runs on a single dedicated task" (spec.md §5) — every send_event is
 *            funneled through one channel so state mutation stays serial and lock-free
 * CHANGE:    New component; the teacher's REST handlers are generalized into one socket protocol
 * RISK:      High - this is the sole entry point for every mutation the daemon ever applies
 */
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claude-monitor/capacitor/internal/activityindex"
	"github.com/claude-monitor/capacitor/internal/aggregator"
	"github.com/claude-monitor/capacitor/internal/arch"
	"github.com/claude-monitor/capacitor/internal/config"
	"github.com/claude-monitor/capacitor/internal/identity"
	"github.com/claude-monitor/capacitor/internal/reducer"
)

const maxLineBytes = 1 << 20 // 1 MiB, spec.md §6

// ingestJob is one send_event request queued for the Reducer's single
// ingest goroutine; resp receives exactly one outcome.
type ingestJob struct {
	ctx   context.Context
	event *sendEventParams
	mono  int64
	wall  time.Time
	resp  chan ingestResult
}

type ingestResult struct {
	outcome reducer.IngestOutcome
	err     error
}

// sweepJob is a liveness-sweep batch queued for the same single ingest
// goroutine that runs Reducer.Ingest, so a periodic sweep never mutates
// Reducer state from a second goroutine (spec.md §5/§7).
type sweepJob struct {
	now     time.Time
	results []reducer.LivenessResult
	resp    chan []reducer.StateTransition
}

// pruneJob is a TTL-expiry batch queued for the same ingest goroutine, for
// the same single-writer reason as sweepJob.
type pruneJob struct {
	sessionIDs []string
	resp       chan []string
}

// Server is the Unix-socket IPC front end.
type Server struct {
	cfg        *config.Config
	log        arch.Logger
	reducer    *reducer.Reducer
	aggregator *aggregator.Aggregator
	activity   *activityindex.Index
	resolver   *identity.Resolver
	hub        *Hub

	ingestCh chan ingestJob
	sweepCh  chan sweepJob
	pruneCh  chan pruneJob
	listener net.Listener

	startedAt time.Time
	draining  atomic.Bool
	wg        sync.WaitGroup

	monoCounter atomic.Int64
}

func New(cfg *config.Config, red *reducer.Reducer, agg *aggregator.Aggregator, activity *activityindex.Index, resolver *identity.Resolver, log arch.Logger) *Server {
	return &Server{
		cfg:        cfg,
		log:        log,
		reducer:    red,
		aggregator: agg,
		activity:   activity,
		resolver:   resolver,
		hub:        NewHub(cfg.SubscriberBufferSize),
		ingestCh:   make(chan ingestJob, 256),
		sweepCh:    make(chan sweepJob, 4),
		pruneCh:    make(chan pruneJob, 4),
		startedAt:  time.Now(),
	}
}

// StartIngestLoop launches the single goroutine permitted to mutate Reducer
// state. Callers must invoke this before ListenAndServe and before any
// recovery pass that touches the Reducer, so that Recover's own liveness
// verification is serialized through the same path as every later sweep and
// send_event.
func (s *Server) StartIngestLoop(ctx context.Context) {
	s.wg.Add(1)
	go s.ingestLoop(ctx)
}

// RunLivenessSweep submits a batch of liveness verdicts to the ingest
// goroutine and blocks for the resulting transitions. This is how the
// Supervisor's periodic sweep (and startup recovery) apply dead-process
// verdicts without mutating Reducer maps from their own goroutine.
func (s *Server) RunLivenessSweep(ctx context.Context, now time.Time, results []reducer.LivenessResult) []reducer.StateTransition {
	job := sweepJob{now: now, results: results, resp: make(chan []reducer.StateTransition, 1)}
	select {
	case s.sweepCh <- job:
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-job.resp:
		return out
	case <-ctx.Done():
		return nil
	}
}

// RunTTLPrune submits a batch of TTL-expired session ids to the ingest
// goroutine and blocks for the subset actually removed.
func (s *Server) RunTTLPrune(ctx context.Context, sessionIDs []string) []string {
	job := pruneJob{sessionIDs: sessionIDs, resp: make(chan []string, 1)}
	select {
	case s.pruneCh <- job:
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-job.resp:
		return out
	case <-ctx.Done():
		return nil
	}
}

// Hub exposes the notification fan-out so the Supervisor's maintenance
// sweeps can publish periodic "sessions"/"project_states" snapshots.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe opens the Unix socket (mode 0600, per spec.md §4.6) and
// accepts connections until ctx is done. StartIngestLoop must already be
// running.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)

	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Shutdown signals the accept loop and ingest loop to drain; callers should
// cancel the context passed to ListenAndServe and then call Shutdown to wait
// for in-flight work. The ingest loop itself exits when that same context is
// done, so closing the context is what actually drains it.
func (s *Server) Shutdown() {
	s.draining.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// ingestLoop is the sole goroutine permitted to call Reducer.Ingest,
// serializing every send_event across every connection (spec.md §5).
func (s *Server) ingestLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.ingestCh:
			e := toEvent(*job.event, job.mono, job.wall)
			outcome, err := s.reducer.Ingest(job.ctx, e)
			select {
			case job.resp <- ingestResult{outcome: outcome, err: err}:
			default:
			}
		case job := <-s.sweepCh:
			transitions := s.reducer.ApplyLivenessSweep(ctx, job.now, job.results)
			select {
			case job.resp <- transitions:
			default:
			}
		case job := <-s.pruneCh:
			removed := s.reducer.PruneExpiredSessions(ctx, job.sessionIDs)
			select {
			case job.resp <- removed:
			default:
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	writer := bufio.NewWriter(conn)
	var writeMu sync.Mutex

	writeResp := func(r Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		enc := json.NewEncoder(writer)
		if err := enc.Encode(r); err != nil {
			return
		}
		writer.Flush()
	}

	var subCancel func()
	defer func() {
		if subCancel != nil {
			subCancel()
		}
	}()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) > maxLineBytes {
			writeResp(errResponse("", ErrMalformedRequest, "line exceeds maximum length"))
			continue
		}

		var req Request
		if jsonErr := json.Unmarshal([]byte(line), &req); jsonErr != nil {
			writeResp(errResponse("", ErrMalformedRequest, jsonErr.Error()))
			continue
		}
		if req.Method == "" {
			writeResp(errResponse(req.ID, ErrMalformedRequest, "method is required"))
			continue
		}

		if req.Method == "subscribe" {
			var p subscribeParams
			if len(req.Params) > 0 {
				if jsonErr := json.Unmarshal(req.Params, &p); jsonErr != nil {
					writeResp(errResponse(req.ID, ErrMalformedRequest, jsonErr.Error()))
					continue
				}
			}
			for _, t := range p.Topics {
				if !validTopic(t) {
					writeResp(errResponse(req.ID, ErrMalformedRequest, "unknown topic: "+t))
					continue
				}
			}
			ch, cancel := s.hub.Subscribe(p.Topics)
			subCancel = cancel
			writeResp(okResponse(req.ID, map[string]interface{}{"subscribed": p.Topics}))
			s.streamNotifications(writer, &writeMu, ch)
			return
		}

		resp := s.dispatch(ctx, req)
		writeResp(resp)
	}
}

// streamNotifications takes over the connection after a successful
// subscribe, writing every notification until the channel is closed or the
// underlying write fails (client disconnected).
func (s *Server) streamNotifications(writer *bufio.Writer, writeMu *sync.Mutex, ch <-chan Notification) {
	for n := range ch {
		writeMu.Lock()
		enc := json.NewEncoder(writer)
		err := enc.Encode(n)
		if err == nil {
			err = writer.Flush()
		}
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if s.draining.Load() {
		return errResponse(req.ID, ErrShuttingDown, "daemon is draining")
	}

	switch req.Method {
	case "send_event":
		return s.handleSendEvent(ctx, req)
	case "get_sessions":
		return s.handleGetSessions(ctx, req)
	case "get_project_states":
		return s.handleGetProjectStates(ctx, req)
	case "get_shell_state":
		return s.handleGetShellState(ctx, req)
	case "get_activity":
		return s.handleGetActivity(req)
	case "get_health":
		return s.handleGetHealth(req)
	case "get_routing_snapshot":
		return s.handleGetRoutingSnapshot(ctx, req)
	case "get_routing_diagnostics":
		return s.handleGetRoutingDiagnostics(req)
	case "get_process_liveness":
		return s.handleGetProcessLiveness(req)
	default:
		return errResponse(req.ID, ErrUnknownMethod, "unknown method: "+req.Method)
	}
}

func (s *Server) handleSendEvent(ctx context.Context, req Request) Response {
	var p sendEventParams
	if len(req.Params) == 0 {
		return errResponse(req.ID, ErrMalformedRequest, "params is required for send_event")
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, ErrMalformedRequest, err.Error())
	}

	deadline := s.cfg.DefaultRequestDeadline
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp := make(chan ingestResult, 1)
	mono := s.monoCounter.Add(1)
	job := ingestJob{ctx: reqCtx, event: &p, mono: mono, wall: time.Now(), resp: resp}

	select {
	case s.ingestCh <- job:
	case <-reqCtx.Done():
		return errResponse(req.ID, ErrPersistenceFailed, "deadline exceeded enqueueing event")
	}

	select {
	case r := <-resp:
		if r.err != nil {
			return errResponse(req.ID, ErrPersistenceFailed, r.err.Error())
		}
		return outcomeResponse(req.ID, r.outcome)
	case <-reqCtx.Done():
		return errResponse(req.ID, ErrPersistenceFailed, "deadline exceeded awaiting persistence")
	}
}

func outcomeResponse(id string, o reducer.IngestOutcome) Response {
	switch o.Kind {
	case reducer.Rejected:
		if o.Reject == reducer.RejectUnknownKind {
			return errResponse(id, ErrUnknownEventKind, "unrecognized event kind")
		}
		return errResponse(id, ErrInvalidEvent, "event failed validation")
	case reducer.Suppressed:
		if o.Suppress == reducer.ReasonTombstoned {
			return errResponse(id, ErrTombstoned, "session has ended; grace window active")
		}
		return okResponse(id, map[string]interface{}{"applied": false, "reason": string(o.Suppress)})
	default:
		return okResponse(id, map[string]interface{}{"applied": true, "session_id": o.SessionID})
	}
}

func (s *Server) handleGetSessions(ctx context.Context, req Request) Response {
	views, err := s.aggregator.GetSessions(ctx)
	if err != nil {
		return errResponse(req.ID, ErrPersistenceFailed, err.Error())
	}
	return okResponse(req.ID, views)
}

func (s *Server) handleGetProjectStates(ctx context.Context, req Request) Response {
	states, err := s.aggregator.GetProjectStates(ctx)
	if err != nil {
		return errResponse(req.ID, ErrPersistenceFailed, err.Error())
	}
	return okResponse(req.ID, states)
}

func (s *Server) handleGetShellState(ctx context.Context, req Request) Response {
	snap, err := s.aggregator.GetShellState(ctx)
	if err != nil {
		return errResponse(req.ID, ErrPersistenceFailed, err.Error())
	}
	return okResponse(req.ID, snap)
}

func (s *Server) handleGetActivity(req Request) Response {
	var p getActivityParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, ErrMalformedRequest, err.Error())
		}
	}
	if p.ProjectID == "" {
		return errResponse(req.ID, ErrMalformedRequest, "project_id is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	entries := s.activity.Recent(p.ProjectID, time.Now(), s.cfg.ActivityRetention)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return okResponse(req.ID, entries)
}

func (s *Server) handleGetHealth(req Request) Response {
	return okResponse(req.ID, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
		"draining":   s.draining.Load(),
	})
}

func (s *Server) handleGetRoutingSnapshot(ctx context.Context, req Request) Response {
	var p routingParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, ErrMalformedRequest, err.Error())
		}
	}
	if p.ProjectPath == "" {
		return errResponse(req.ID, ErrMalformedRequest, "project_path is required")
	}
	snap, err := s.aggregator.GetRoutingSnapshot(ctx, p.ProjectPath, p.WorkspaceID)
	if err != nil {
		return errResponse(req.ID, ErrPersistenceFailed, err.Error())
	}
	return okResponse(req.ID, snap)
}

func (s *Server) handleGetRoutingDiagnostics(req Request) Response {
	var p routingParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, ErrMalformedRequest, err.Error())
		}
	}
	if p.ProjectPath == "" {
		return errResponse(req.ID, ErrMalformedRequest, "project_path is required")
	}
	diag := s.resolver.Diagnose(p.ProjectPath)
	return okResponse(req.ID, diag)
}

func (s *Server) handleGetProcessLiveness(req Request) Response {
	var p livenessParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, ErrMalformedRequest, err.Error())
		}
	}
	if p.PID == 0 {
		return errResponse(req.ID, ErrMalformedRequest, "pid is required")
	}
	return okResponse(req.ID, s.aggregator.GetProcessLiveness(p.PID, p.ProcStartedAt))
}

// PublishSnapshots is called by the Supervisor's maintenance sweep to push
// current state to every subscriber, regardless of whether anything changed
// (subscribers re-derive deltas from seq numbers themselves).
func (s *Server) PublishSnapshots(ctx context.Context) {
	if sessions, err := s.aggregator.GetSessions(ctx); err == nil {
		s.hub.Publish(TopicSessions, sessions)
	}
	if states, err := s.aggregator.GetProjectStates(ctx); err == nil {
		s.hub.Publish(TopicProjectStates, states)
	}
	if shells, err := s.aggregator.GetShellState(ctx); err == nil {
		s.hub.Publish(TopicShells, shells)
	}
	s.hub.Publish(TopicHealth, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}
