package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediaforge/internal/api"
	"mediaforge/internal/logging"
	"mediaforge/internal/services"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		s.writeJSON(w, http.StatusOK, s.status.Status(r.Context()))
		return
	}
	counts, err := s.svc.JobCounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	queue, err := s.svc.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{Running: true, PID: os.Getpid(), Queue: queue, JobCounts: counts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		logging.WarnWithContext(s.logger, "health check failed", "health_check_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "load balancers will mark the daemon unhealthy"),
		)
		s.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListSources(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SourceListResponse{Sources: list})
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterSourceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.RegisterSource(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	src, err := s.svc.GetSource(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleSourceJobs(w http.ResponseWriter, r *http.Request) {
	id, err := sourceID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.JobsForSource(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: list})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.SubmitResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				statuses = append(statuses, trimmed)
			}
		}
	}
	list, err := s.svc.ListJobs(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Artifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ArtifactListResponse{Artifacts: list})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.svc.Result(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("label"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleResultFile(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.svc.Result(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("label"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		s.writeError(w, r, services.Wrap(services.ErrNotFound, "http", "result file", "", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.SubmitResponse{JobID: id})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return services.Wrap(services.ErrValidation, "http", "decode body", "", err)
	}
	return nil
}

func sourceID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, services.Wrap(services.ErrValidation, "http", "source id", fmt.Sprintf("invalid source id %q", raw), nil)
	}
	return id, nil
}
