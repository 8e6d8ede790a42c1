package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/judge"
)

const (
	maxBodyBytes = 8 << 20

	defaultListLimit = 20
	maxListLimit     = 200
)

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	Submit(ctx context.Context, req judge.SubmitRequest) (*judge.ExecutionResult, error)
	Enqueue(req judge.SubmitRequest) (*judge.JobView, error)
	Lookup(ctx context.Context, id string) (*judge.JobView, error)
	List(ctx context.Context, limit int) ([]judge.JobView, error)
	Cancel(id string) error
	InFlight() int
}

// Server is the REST surface of the judge.
type Server struct {
	config *config.Config
	logger *zap.Logger
	runner Runner
	router *chi.Mux
	http   *http.Server
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New creates a Server and registers its routes.
func New(cfg *config.Config, logger *zap.Logger, runner Runner) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
		runner: runner,
		router: chi.NewRouter(),
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(requestLogger(logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleCancel)
	})

	// A submission holds its connection for the whole job.
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GetMaxTimeout() + cfg.GetCleanupTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting REST server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleSubmit runs a job and answers with its result. With ?wait=false the
// job runs in the background and the answer is 202 with the pending job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	wait := true
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: fmt.Sprintf("invalid wait parameter: %q", v)})
			return
		}
		wait = b
	}

	var req judge.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("invalid submission body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	if !wait {
		view, err := s.runner.Enqueue(req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/jobs/"+view.ID)
		writeJSON(w, http.StatusAccepted, view)
		return
	}

	res, err := s.runner.Submit(r.Context(), req)
	if res == nil {
		s.writeError(w, err)
		return
	}

	// Sandbox creation failures mean the service cannot run anything right now.
	if judge.KindOf(err) == judge.KindSandboxCreate {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.runner.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: fmt.Sprintf("limit must be between 1 and %d, got %q", maxListLimit, v),
			})
			return
		}
		limit = n
	}

	views, err := s.runner.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": s.runner.InFlight(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, judge.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, judge.ErrUnknownLanguage):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown_language", Message: err.Error()})
	case errors.Is(err, judge.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "an internal error occurred"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
