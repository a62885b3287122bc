// Package api exposes the conductor HTTP surface: the event ingress used
// by sandboxed agents, the authoritative task-completion callback, and
// read endpoints for tasks, tickets, joins and projects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/discovery"
	conderr "github.com/conductor-sh/conductor/internal/errors"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/queue"
)

// Completer applies authoritative task-completion callbacks. Satisfied by
// *orchestrator.Orchestrator.
type Completer interface {
	Callback(ctx context.Context, c orchestrator.Completion) ([]string, error)
}

// Server is the conductor HTTP server.
type Server struct {
	addr        string
	store       *db.DB
	queue       *queue.Queue
	bus         events.Bus
	orch        Completer
	discoveries *discovery.Service
	mux         *http.ServeMux
	logger      *slog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the store, queue, bus and
// orchestrator callback.
func NewServer(addr string, store *db.DB, q *queue.Queue, bus events.Bus, orch Completer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:        addr,
		store:       store,
		queue:       q,
		bus:         bus,
		orch:        orch,
		discoveries: discovery.NewService(store, q, bus, logger),
		mux:         http.NewServeMux(),
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/events", s.handlePublishEvent)
	s.mux.HandleFunc("POST /api/v1/tasks/complete", s.handleTaskComplete)
	s.mux.HandleFunc("POST /api/v1/agents/heartbeat", s.handleHeartbeat)

	s.mux.HandleFunc("POST /api/v1/discoveries", s.handleRecordDiscovery)

	s.mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/transcript", s.handleGetTranscript)

	s.mux.HandleFunc("GET /api/v1/tickets/{id}", s.handleGetTicket)
	s.mux.HandleFunc("GET /api/v1/tickets/{id}/history", s.handleGetHistory)

	s.mux.HandleFunc("GET /api/v1/joins/{id}", s.handleGetJoin)
	s.mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if d, ok := s.bus.(interface{ Dropped() int64 }); ok {
		health["events_dropped"] = d.Dropped()
	}
	s.jsonResponse(w, health)
}

// handlePublishEvent accepts an event envelope from an agent and republishes
// it on the bus. Missing id and timestamp are filled in; the source is kept
// so the event log records who emitted it.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var event events.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.jsonError(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if event.Type == "" {
		s.jsonError(w, "event type is required", http.StatusBadRequest)
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now()
	}

	s.bus.Publish(event)
	s.jsonStatus(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

// handleTaskComplete is the authoritative completion callback posted by the
// sandbox runtime. It is honored even when the matching bus event was lost,
// and repeating it is harmless.
func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var c orchestrator.Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.jsonError(w, "invalid completion body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if c.TaskID == "" {
		s.jsonError(w, "task_id is required", http.StatusBadRequest)
		return
	}

	unblocked, err := s.orch.Callback(r.Context(), c)
	if err != nil {
		s.conductorError(w, err)
		return
	}
	if unblocked == nil {
		unblocked = []string{}
	}
	s.jsonResponse(w, map[string]any{
		"task_id":   c.TaskID,
		"unblocked": unblocked,
	})
}

// handleHeartbeat records agent liveness and republishes it so the guardian
// and the capacity tracker both see it.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb events.AgentHeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		s.jsonError(w, "invalid heartbeat body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if hb.TaskID == "" {
		s.jsonError(w, "task_id is required", http.StatusBadRequest)
		return
	}

	s.bus.Publish(events.NewEvent(events.EventAgentHeartbeat, "task", hb.TaskID, hb))
	s.jsonStatus(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonStatus writes a JSON response with an explicit status code.
func (s *Server) jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// conductorError maps a structured conductor error onto its HTTP status,
// keeping the code and fix hint in the body.
func (s *Server) conductorError(w http.ResponseWriter, err error) {
	var cerr *conderr.Error
	if errors.As(err, &cerr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cerr.Category().HTTPStatus())
		json.NewEncoder(w).Encode(cerr)
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}
