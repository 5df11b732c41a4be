package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
)

// QueueService is the queue surface the API needs. *queue.Queue with a
// json.RawMessage payload and provider.Chunk output satisfies it.
type QueueService interface {
	Enqueue(payload json.RawMessage, pid provider.ProviderID, priority queue.Priority, opts ...queue.EnqueueOption[provider.Chunk]) (string, error)
	Cancel(id string) error
	Get(id string) (queue.Snapshot, bool)
	List() []queue.Snapshot
	Stats() queue.Stats
	Wait(ctx context.Context, id string) (queue.Outcome, error)
	Prune(olderThan time.Duration) int
}

// Server encapsulates the HTTP API server
type Server struct {
	queue   QueueService
	tracker *ratelimit.Tracker
	outputs *outputs
	logger  *slog.Logger
	server  *http.Server

	// sha256 of the bearer token; empty disables auth
	tokenHash string

	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance. addr defaults to :8090.
func NewServer(q QueueService, tracker *ratelimit.Tracker, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:   q,
		tracker: tracker,
		outputs: newOutputs(),
		logger:  logger,
	}

	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: POST /v1/requests with wait=true holds the response open
		IdleTimeout: 15 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)
	r.Use(withSecureHeaders)

	r.Get("/v1/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)

		r.Get("/v1/stats", s.handleStats)

		r.Get("/v1/providers", s.handleProviders)
		r.Get("/v1/providers/{provider}/wait", s.handleWait)
		r.Post("/v1/providers/{provider}/rejection", s.handleRejection)
		r.Delete("/v1/providers/{provider}", s.handleResetProvider)

		r.Get("/v1/requests", s.handleListRequests)
		r.Post("/v1/requests", s.handleEnqueue)
		r.Get("/v1/requests/{id}", s.handleGetRequest)
		r.Delete("/v1/requests/{id}", s.handleCancel)

		r.Post("/v1/admin/prune", s.handlePrune)
	})
	return r
}

// SetAuthToken requires "Authorization: Bearer <token>" on every /v1 route
// except health.
func (s *Server) SetAuthToken(token string) {
	if token == "" {
		s.tokenHash = ""
		return
	}
	s.tokenHash = hashToken(token)
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", "addr", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	s.logger.Info("server_starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth returns simple status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	out := make([]ProviderState, 0, len(snap))
	for id, info := range snap {
		wt := s.tracker.WaitTime(id)
		out = append(out, ProviderState{Provider: id, Info: info, WaitMs: wt.WaitMs(), Reason: wt.Reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := provider.ProviderID(chi.URLParam(r, "provider"))
	wt := s.tracker.WaitTime(id)
	s.writeJSON(w, r, http.StatusOK, WaitResponse{
		Provider: id,
		WaitMs:   wt.WaitMs(),
		Reason:   wt.Reason,
		Ready:    wt.Ready(),
	})
}

// handleRejection records a 429 observed by a client that calls the
// provider directly.
func (s *Server) handleRejection(w http.ResponseWriter, r *http.Request) {
	id := provider.ProviderID(chi.URLParam(r, "provider"))

	var req RejectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	retryAfter, err := parseDuration(req.RetryAfter)
	if err != nil || retryAfter < 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_retry_after", "example: 30s")
		return
	}

	s.tracker.RecordRejection(id, retryAfter)
	wt := s.tracker.WaitTime(id)
	s.writeJSON(w, r, http.StatusOK, WaitResponse{Provider: id, WaitMs: wt.WaitMs(), Reason: wt.Reason, Ready: wt.Ready()})
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	s.tracker.Reset(provider.ProviderID(chi.URLParam(r, "provider")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	list := s.queue.List()
	out := make([]queue.Snapshot, 0, len(list))
	for _, snap := range list {
		if status == "" || snap.Status == status {
			out = append(out, snap)
		}
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.Provider == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing_required_fields", "provider")
		return
	}

	priority := queue.PriorityNormal
	if req.Priority != "" {
		p, err := queue.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_priority", "one of low, normal, high")
			return
		}
		priority = p
	}
	timeout, err := parseDuration(req.Timeout)
	if err != nil || timeout < 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_timeout", "example: 30s")
		return
	}

	buf := s.outputs.open()
	opts := []queue.EnqueueOption[provider.Chunk]{queue.WithChunkHandler(buf.append)}
	if timeout > 0 {
		opts = append(opts, queue.WithTimeout[provider.Chunk](timeout))
	}
	if req.ID != "" {
		opts = append(opts, queue.WithID[provider.Chunk](req.ID))
	}

	id, err := s.queue.Enqueue(req.Payload, provider.ProviderID(req.Provider), priority, opts...)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			s.writeError(w, r, http.StatusTooManyRequests, "queue_full", "")
		case errors.Is(err, queue.ErrQueueClosed):
			s.writeError(w, r, http.StatusServiceUnavailable, "queue_closed", "")
		case errors.Is(err, queue.ErrDuplicateID):
			s.writeError(w, r, http.StatusConflict, "duplicate_id", req.ID)
		default:
			s.writeError(w, r, http.StatusInternalServerError, "enqueue_failed", err.Error())
		}
		return
	}
	s.outputs.bind(id, buf)
	s.logger.Info("request_enqueued", "trace_id", getTraceID(r.Context()), "request_id", id, "provider", req.Provider, "priority", priority)

	if !req.Wait {
		snap, _ := s.queue.Get(id)
		s.writeJSON(w, r, http.StatusAccepted, RequestResponse{Snapshot: snap})
		return
	}

	if _, err := s.queue.Wait(r.Context(), id); err != nil {
		// The client went away or the queue closed; the request keeps running.
		s.writeError(w, r, http.StatusServiceUnavailable, "wait_interrupted", err.Error())
		return
	}
	s.writeRequest(w, r, id)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	s.writeRequest(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := s.queue.Cancel(id); {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "request_not_found", id)
	case errors.Is(err, queue.ErrAlreadyTerminal):
		s.writeError(w, r, http.StatusConflict, "already_terminal", id)
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, "cancel_failed", err.Error())
	default:
		s.logger.Info("request_cancelled", "trace_id", getTraceID(r.Context()), "request_id", id)
		snap, _ := s.queue.Get(id)
		s.writeJSON(w, r, http.StatusAccepted, RequestResponse{Snapshot: snap})
	}
}

// handlePrune drops finished requests older than the given retention.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Retention string `json:"retention"` // e.g., "1h"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	retention, err := time.ParseDuration(req.Retention)
	if err != nil || retention < 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_retention_format", "example: 1h")
		return
	}

	count := s.Prune(retention)
	s.writeJSON(w, r, http.StatusOK, PruneResponse{Status: "success", PrunedCount: count, RetentionUsed: retention.String()})
}

// Prune drops finished requests older than retention together with their
// buffered output.
func (s *Server) Prune(retention time.Duration) int {
	count := s.queue.Prune(retention)
	s.outputs.retain(func(id string) bool {
		_, ok := s.queue.Get(id)
		return ok
	})
	return count
}

func (s *Server) writeRequest(w http.ResponseWriter, r *http.Request, id string) {
	snap, ok := s.queue.Get(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "request_not_found", id)
		return
	}
	s.writeJSON(w, r, http.StatusOK, RequestResponse{Snapshot: snap, Output: s.outputs.text(id)})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, details string) {
	s.writeJSON(w, r, status, ErrorResponse{Error: code, Details: details})
}
