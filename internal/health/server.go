package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/andyrt/andy/internal/store"
)

// Controls is the narrow manual-control surface the admin endpoints drive:
// pause/resume a scheduled job, retry a dead-letter entry, drain a
// conversation's queue.
type Controls interface {
	PauseJob(ctx context.Context, id string) error
	ResumeJob(ctx context.Context, id string) error
	RetryDeadLetter(ctx context.Context, id string) error
	DrainConversation(ctx context.Context, conversation string) (int, error)
}

// Server exposes the read-only health endpoints and the manual controls
// over HTTP, grounded on the teacher's gorilla/mux router setup.
type Server struct {
	provider Provider
	controls Controls
	errors   *errorRing
	hub      *hub
	closeCh  chan struct{}
}

// New builds a Server. errorRingSize bounds the recent-errors buffer.
func New(provider Provider, controls Controls, errorRingSize int) *Server {
	return &Server{
		provider: provider,
		controls: controls,
		errors:   newErrorRing(errorRingSize),
		hub:      newHub(),
		closeCh:  make(chan struct{}),
	}
}

// RecordError appends an entry to the recent-errors ring, for components to
// call when they want a failure surfaced on /health.
func (s *Server) RecordError(category, message string) {
	s.errors.Record(ErrorEntry{At: time.Now().UTC(), Category: category, Message: message})
}

// Snapshot assembles the current /health payload from the Provider.
func (s *Server) Snapshot() Snapshot {
	return Snapshot{
		Pool:              s.provider.PoolStats(),
		QueueDepth:        s.provider.QueueDepths(),
		RecentErrors:      s.errors.Recent(20),
		ChannelsConnected: s.provider.ChannelsConnected(),
		Memory:            s.provider.MemoryStats(),
		HeartbeatLastAt:   s.provider.HeartbeatLastAt(),
	}
}

// Router builds the mux.Router serving /health, /health/stream, and the
// manual-control endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/stream", s.serveStream).Methods(http.MethodGet)
	r.HandleFunc("/health/jobs/{id}/pause", s.handlePauseJob).Methods(http.MethodPost)
	r.HandleFunc("/health/jobs/{id}/resume", s.handleResumeJob).Methods(http.MethodPost)
	r.HandleFunc("/health/dead-letters/{id}/retry", s.handleRetryDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/health/queue/{conversation}/drain", s.handleDrainQueue).Methods(http.MethodPost)
	return r
}

// StartBroadcast begins pushing periodic snapshots to /health/stream
// clients. Stop() ends it.
func (s *Server) StartBroadcast(interval time.Duration) {
	go s.broadcastLoop(interval)
}

// Stop ends the broadcast loop.
func (s *Server) Stop() {
	close(s.closeCh)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controls.PauseJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controls.ResumeJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controls.RetryDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	conversation := mux.Vars(r)["conversation"]
	n, err := s.controls.DrainConversation(r.Context(), conversation)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"drained": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingController is a thin reference Controls implementation wiring
// directly into internal/scheduler, internal/queue, and internal/store —
// used by cmd/andy to avoid every caller re-implementing the same glue.
type loggingController struct {
	pause    func(ctx context.Context, id string) error
	resume   func(ctx context.Context, id string) error
	deadStore *store.Store
	requeue  func(ctx context.Context, e *store.DeadLetterRow) error
	drain    func(ctx context.Context, conversation string) (int, error)
}

// NewControls assembles a Controls from the individual component
// operations cmd/andy wires at startup.
func NewControls(
	pause, resume func(ctx context.Context, id string) error,
	deadStore *store.Store,
	requeue func(ctx context.Context, e *store.DeadLetterRow) error,
	drain func(ctx context.Context, conversation string) (int, error),
) Controls {
	return &loggingController{pause: pause, resume: resume, deadStore: deadStore, requeue: requeue, drain: drain}
}

func (c *loggingController) PauseJob(ctx context.Context, id string) error {
	return c.pause(ctx, id)
}

func (c *loggingController) ResumeJob(ctx context.Context, id string) error {
	return c.resume(ctx, id)
}

func (c *loggingController) RetryDeadLetter(ctx context.Context, id string) error {
	letters, err := c.deadStore.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}
	for _, dl := range letters {
		if dl.ID != id {
			continue
		}
		if err := c.requeue(ctx, dl); err != nil {
			return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
		}
		return c.deadStore.DeleteDeadLetter(ctx, id)
	}
	return fmt.Errorf("dead letter %s not found", id)
}

func (c *loggingController) DrainConversation(ctx context.Context, conversation string) (int, error) {
	return c.drain(ctx, conversation)
}
