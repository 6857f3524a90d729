// Package server exposes the batch orchestrator, usage ledger and QA reviews over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/metrics"
	"github.com/raphaelgruber/annotator/internal/quality"
)

// Dependencies holds the services behind the API. Hub, Cache and Metrics are optional.
type Dependencies struct {
	Orchestrator *batch.Orchestrator
	Ledger       *ledger.Ledger
	Assessor     *quality.Assessor
	Cache        *cache.Cache[batch.CachedResponse]
	Hub          http.Handler
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// Server routes API requests to the services.
type Server struct {
	deps   Dependencies
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a server and registers all routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, logger: deps.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the routed handler wrapped in request logging and, when a
// collector is configured, request timing.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.deps.Metrics != nil {
		h = MetricsMiddleware(s.deps.Metrics)(h)
	}
	return LoggingMiddleware(s.logger)(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("POST /api/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /api/batches", s.handleListBatches)
	s.mux.HandleFunc("DELETE /api/batches", s.handleCleanupBatches)
	s.mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/run", s.handleRunBatch)
	s.mux.HandleFunc("POST /api/batches/{id}/cancel", s.handleCancelBatch)

	s.mux.HandleFunc("GET /api/usage", s.handleUsage)
	s.mux.HandleFunc("GET /api/usage/models", s.handleUsageRecords)
	s.mux.HandleFunc("GET /api/models/compare", s.handleCompareModels)

	s.mux.HandleFunc("POST /api/reviews", s.handleCreateReview)
	s.mux.HandleFunc("GET /api/reviews", s.handleListReviews)
	s.mux.HandleFunc("GET /api/reviews/{id}", s.handleGetReview)
	s.mux.HandleFunc("PATCH /api/reviews/{id}", s.handleUpdateReview)
	s.mux.HandleFunc("GET /api/quality/dashboard", s.handleDashboard)

	s.mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	if s.deps.Hub != nil {
		s.mux.Handle("GET /ws", s.deps.Hub)
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps service sentinels to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, batch.ErrJobNotFound), errors.Is(err, quality.ErrReviewNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrInvalidRequest), errors.Is(err, quality.ErrInvalidReview),
		errors.Is(err, ledger.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, batch.ErrNotRunnable), errors.Is(err, quality.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
