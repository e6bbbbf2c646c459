package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// namedAttrsRequest creates a queue or hook.
type namedAttrsRequest struct {
	Name  string            `json:"name"`
	Attrs map[string]string `json:"attrs"`
}

// POST /api/v1/queues
func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req namedAttrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	q, err := s.cluster.CreateQueue(r.Context(), req.Name, req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, q)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.cluster.Queues())
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q, err := s.cluster.Queue(chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, q)
}

func (s *Server) handleSetQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req attrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	q, err := s.cluster.SetQueue(r.Context(), chi.URLParam(r, "name"), req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, q)
}

func (s *Server) handleUnsetQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req unsetRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	q, err := s.cluster.UnsetQueue(r.Context(), chi.URLParam(r, "name"), req.Keys)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, q)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")
	if err := s.cluster.DeleteQueue(r.Context(), name); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": name})
}
