package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/pbsched/internal/job"
	"github.com/me/pbsched/pkg/model"
)

// POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req job.SubmitRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if req.Owner == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "owner", Message: "owner is required"}))
		return
	}
	j, err := s.cluster.Submit(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, j)
}

// GET /api/v1/jobs?state=Q&queue=workq&limit=50&offset=0
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	jobs, err := s.cluster.Jobs(opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	page, pg := model.Page(jobs, opts)
	respondList(w, reqID, page, pg)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	j, err := s.cluster.Job(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.cluster.DeleteJob(r.Context(), id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": id})
}

// POST /api/v1/jobs/{id}/release
func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	j, err := s.cluster.ReleaseJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, j)
}

type obitRequest struct {
	ExitStatus    int               `json:"exit_status"`
	ResourcesUsed map[string]string `json:"resources_used,omitempty"`
}

// POST /api/v1/jobs/{id}/obit
func (s *Server) handleObit(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req obitRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	j, err := s.cluster.Obit(r.Context(), chi.URLParam(r, "id"), req.ExitStatus, req.ResourcesUsed)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, j)
}

// GET /api/v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	opts := listOptions(r)
	recs, total, err := s.cluster.JobRecords(r.Context(), id, opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if recs == nil {
		recs = []model.JobRecord{}
	}
	respondList(w, reqID, recs, pagination(total, opts))
}
