package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// POST /api/v1/hooks
func (s *Server) handleCreateHook(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req namedAttrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	h, err := s.cluster.CreateHook(r.Context(), req.Name, req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("hook created", "hook", h.Name)
	respondCreated(w, reqID, h)
}

func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.cluster.Hooks())
}

func (s *Server) handleGetHook(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	h, err := s.cluster.Hook(chi.URLParam(r, "name"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, h)
}

func (s *Server) handleSetHook(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req attrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	h, err := s.cluster.SetHook(r.Context(), chi.URLParam(r, "name"), req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, h)
}

func (s *Server) handleUnsetHook(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req unsetRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	h, err := s.cluster.UnsetHook(r.Context(), chi.URLParam(r, "name"), req.Keys)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, h)
}

func (s *Server) handleDeleteHook(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")
	if err := s.cluster.DeleteHook(r.Context(), name); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": name})
}
