package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
	"github.com/fairyhunter13/media-orchestrator/internal/usecase"
)

// maxBodyBytes bounds the job payload. Payloads carry file references,
// not file contents, so 1 MiB is generous.
const maxBodyBytes = 1 << 20

// Server bundles the handlers around the job service.
type Server struct {
	Jobs *usecase.JobService
}

// NewServer returns a Server.
func NewServer(jobs *usecase.JobService) *Server {
	return &Server{Jobs: jobs}
}

// SubmitHandler handles POST /jobs/{operation}.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operation := chi.URLParam(r, "operation")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, r, fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrInvalidArgument, maxBodyBytes), nil)
			return
		}
		resp, err := s.Jobs.Create(r.Context(), operation, json.RawMessage(body))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// StatusHandler handles GET /jobs/{id}.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// CancelHandler handles POST /jobs/{id}/cancel.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// StatsHandler handles GET /queue/stats.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// RecoverWorkersHandler handles POST /admin/recover-workers.
func (s *Server) RecoverWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correction, err := s.Jobs.RecoverWorkers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, correction)
	}
}

// WorkersStatusHandler handles GET /admin/workers/status.
func (s *Server) WorkersStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.Jobs.WorkersStatusDump(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
