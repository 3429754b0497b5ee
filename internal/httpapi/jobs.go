package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/ironclaw/internal/store"
)

type createJobRequest struct {
	UserID   string `json:"user_id"`
	CronExpr string `json:"cron_expr"`
	Prompt   string `json:"prompt"`
}

type cancelJobRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	jobs, err := s.engine.Jobs(r.Context(), userID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job, err := s.engine.Schedule(r.Context(), req.UserID, req.CronExpr, req.Prompt)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_job_id", "job id must be a positive integer")
		return
	}
	var req cancelJobRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ok, err := s.engine.CancelJob(r.Context(), strings.TrimSpace(req.UserID), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "job_not_found", "job not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}
