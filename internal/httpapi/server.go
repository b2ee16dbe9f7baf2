package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaforge/internal/api"
	"mediaforge/internal/logging"
	"mediaforge/internal/services"
)

// StatusProvider reports daemon runtime state for GET /v1/status.
type StatusProvider interface {
	Status(ctx context.Context) api.DaemonStatus
}

// Server routes HTTP requests to the job service.
type Server struct {
	svc    *api.Service
	status StatusProvider
	logger *slog.Logger
}

// New constructs a Server. status may be nil, in which case /v1/status
// reports only queue and job counts.
func New(svc *api.Service, status StatusProvider, logger *slog.Logger) *Server {
	return &Server{
		svc:    svc,
		status: status,
		logger: logging.NewComponentLogger(logger, "http"),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestContext)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/sources", s.handleRegisterSource)
		r.Get("/sources", s.handleListSources)
		r.Get("/sources/{id}", s.handleGetSource)
		r.Get("/sources/{id}/jobs", s.handleSourceJobs)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/artifacts", s.handleArtifacts)
		r.Get("/jobs/{id}/result", s.handleResult)
		r.Get("/jobs/{id}/result/file", s.handleResultFile)
		r.Post("/jobs/{id}/retry", s.handleRetry)
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "request failed", "http_request_failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the daemon log for the failing component"),
		)
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Code: code})
}

// classify maps service errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidReference):
		return http.StatusBadRequest, CodeInvalidReference
	case errors.Is(err, services.ErrUnknownQuality):
		return http.StatusBadRequest, CodeUnknownQuality
	case services.IsClientError(err):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, services.ErrNotReady):
		return http.StatusConflict, CodeNotReady
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Error codes carried in api.ErrorResponse.Code.
const (
	CodeInvalidReference = "invalid_reference"
	CodeUnknownQuality   = "unknown_quality"
	CodeValidation       = "validation"
	CodeNotFound         = "not_found"
	CodeNotReady         = "not_ready"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)
