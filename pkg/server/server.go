// Package server exposes the gateway over HTTP: the turn endpoint,
// operational status for breakers and caches, the intervention approval
// surface, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/cortex/pkg/breaker"
	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/ledger"
	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/pipeline"
	"github.com/kadirpekel/cortex/pkg/session"
	"github.com/kadirpekel/cortex/pkg/tools"
)

// TurnRunner processes one user turn. The pipeline implements it; tests
// substitute fakes.
type TurnRunner interface {
	Run(ctx context.Context, sessionID, query string) (*pipeline.TurnResult, error)
}

// Options wires the server's dependencies.
type Options struct {
	Config *config.Config
	Runner TurnRunner

	// Broker serves the intervention endpoints; nil disables them.
	Broker *tools.Broker

	Ledger      *ledger.Ledger
	Caches      *cache.Manager
	LLMBreaker  *breaker.Group
	ToolBreaker *breaker.Group
	Metrics     observability.Metrics
}

// Server is the HTTP surface.
type Server struct {
	opts       Options
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the server.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	return &Server{
		opts:   opts,
		logger: slog.Default().With("component", "server"),
	}, nil
}

// Handler builds the router. Exposed so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.opts.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/status/breakers", s.handleBreakerStatus)
		r.Get("/status/caches", s.handleCacheStatus)
		r.Get("/ledger", s.handleLedger)

		r.Get("/interventions", s.handleInterventionList)
		r.Post("/interventions/{id}", s.handleInterventionResolve)
	})

	return r
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Config.Server.Host, s.opts.Config.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("HTTP server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"name":   s.opts.Config.Name,
	})
}

// turnRequest is the POST /v1/turns body.
type turnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a 'query' field")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.opts.Runner.Run(r.Context(), req.SessionID, req.Query)
	if err != nil {
		if errors.Is(err, session.ErrTurnInFlight) {
			writeError(w, http.StatusConflict, "a turn is already running for this session")
			return
		}
		s.logger.Error("Turn failed", "session", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn processing failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	groups := map[string][]breaker.ComponentStatus{}
	if s.opts.LLMBreaker != nil {
		groups[s.opts.LLMBreaker.Name()] = s.opts.LLMBreaker.Status()
	}
	if s.opts.ToolBreaker != nil {
		groups[s.opts.ToolBreaker.Name()] = s.opts.ToolBreaker.Status()
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Caches == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"layers": []string{}})
		return
	}
	layers, sweepRuns := s.opts.Caches.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"layers":     layers,
		"sweep_runs": sweepRuns,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		writeError(w, http.StatusNotFound, "ledger not available")
		return
	}

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		entries, err := s.opts.Ledger.BySession(sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ledger read failed")
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries, err := s.opts.Ledger.Tail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInterventionList(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeError(w, http.StatusNotFound, "interventions not enabled")
		return
	}
	pending, err := s.opts.Broker.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue read failed")
		return
	}
	if pending == nil {
		pending = []tools.InterventionRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type interventionResolution struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleInterventionResolve(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeError(w, http.StatusNotFound, "interventions not enabled")
		return
	}

	var res interventionResolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with an 'approved' field")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.opts.Broker.Resolve(id, res.Approved); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"approved": res.Approved,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
