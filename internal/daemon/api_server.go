package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/services"
	"loom/internal/status"
)

const (
	maxRequestBody   = 1 << 20
	defaultListLimit = 100
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	router chi.Router

	listener net.Listener
	server   *http.Server
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	s := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", d.app.Metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(cfg.Paths.APIToken))
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/stats", s.handleStats)
		r.Get("/health", s.handleHealth)
		r.Get("/variants", s.handleVariants)
		r.Get("/dead-letters", s.handleDeadLetters)
	})
	s.router = r

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.listener = nil
}

func (s *apiServer) address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: services.KindValidation})
		return
	}

	sub, err := s.daemon.app.Orchestrator.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

func (s *apiServer) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field, Kind: services.KindValidation})
	case errors.Is(err, services.ErrCapacity):
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Kind: services.KindCapacity})
	case errors.Is(err, services.ErrEnqueueUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Kind: services.Kind(err)})
	default:
		s.logger.Error("submit failed", logging.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: services.Kind(err)})
	}
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.daemon.app.Reader.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found", Kind: services.KindNotFound})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []string
	for _, value := range query["status"] {
		for part := range strings.SplitSeq(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				statuses = append(statuses, trimmed)
			}
		}
	}
	views, err := s.daemon.app.Reader.List(r.Context(), status.Filter{
		Statuses: statuses,
		Limit:    parseLimit(query.Get("limit")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse[status.JobView]{Items: views})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.daemon.app.Reader.Summary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.daemon.Status(r.Context())
	code := http.StatusOK
	if !st.Healthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

func (s *apiServer) handleVariants(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listResponse[status.VariantView]{Items: s.daemon.app.Reader.Variants()})
}

func (s *apiServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	views, err := s.daemon.app.Reader.DeadLetters(r.Context(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if views == nil {
		views = []status.DeadLetterView{}
	}
	s.writeJSON(w, http.StatusOK, listResponse[status.DeadLetterView]{Items: views})
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	s.logger.Error("api request failed", logging.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: services.Kind(err)})
}
