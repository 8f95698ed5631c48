/**
 * CONTEXT:   Secondary HTTP diagnostics surface alongside the Unix-socket IPC
 * INPUT:     Local GET requests from operators/health UIs, never from hook clients
 * OUTPUT:    /healthz (liveness) and /metrics (counters) JSON responses
 * BUSINESS:  SPEC_FULL.md's domain-stack section wires gorilla/mux here for local diagnostics
 * CHANGE:    Generalized from the teacher's internal/infrastructure/http handlers
 * RISK:      Low - read-only, bound to loopback/HTTPAddr only when explicitly configured
 */
package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/claude-monitor/capacitor/internal/arch"
)

// HTTPHandlers exposes /healthz and /metrics backed by the same Aggregator
// the socket IPC uses, following the teacher's handler-struct-with-deps idiom.
type HTTPHandlers struct {
	srv       *Server
	log       arch.Logger
	startedAt time.Time
}

func NewHTTPHandlers(srv *Server, log arch.Logger) *HTTPHandlers {
	return &HTTPHandlers{srv: srv, log: log, startedAt: time.Now()}
}

// Router builds the mux.Router serving /healthz and /metrics.
func (h *HTTPHandlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	r.Use(h.loggingMiddleware)
	return r
}

func (h *HTTPHandlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (h *HTTPHandlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sessions, err := h.srv.aggregator.GetSessions(ctx)
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"uptime_sec":     int64(time.Since(h.startedAt).Seconds()),
		"draining":       h.srv.draining.Load(),
		"session_count":  len(sessions),
		"socket_path":    h.srv.cfg.SocketPath,
	})
}

func (h *HTTPHandlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sessions, _ := h.srv.aggregator.GetSessions(ctx)
	shells, _ := h.srv.aggregator.GetShellState(ctx)
	states, _ := h.srv.aggregator.GetProjectStates(ctx)

	byState := map[string]int{}
	for _, s := range sessions {
		byState[string(s.EffectiveState)]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions_total":       len(sessions),
		"sessions_by_state":    byState,
		"shells_total":         len(shells.Shells),
		"projects_total":       len(states),
		"uptime_sec":           int64(time.Since(h.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
