package server

import (
	"net/http"

	"github.com/me/pbsched/pkg/model"
)

// attrsRequest is the body of every set call.
type attrsRequest struct {
	Attrs map[string]string `json:"attrs"`
}

// unsetRequest is the body of every unset call.
type unsetRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.cluster.ServerAttrs())
}

// PUT /api/v1/server
func (s *Server) handleSetServer(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req attrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	attrs, err := s.cluster.SetServer(r.Context(), req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, attrs)
}

// PUT /api/v1/server/unset
func (s *Server) handleUnsetServer(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req unsetRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	attrs, err := s.cluster.UnsetServer(r.Context(), req.Keys)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, attrs)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.cluster.Resources())
}

// POST /api/v1/resources
func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		Flags string `json:"flags"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	typ, ok := model.ParseResourceType(req.Type)
	if !ok {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid resource type",
			model.FieldError{Field: "type", Message: "must be long, float, size, boolean or string"}))
		return
	}
	def, err := s.cluster.DeclareResource(r.Context(), model.ResourceDef{Name: req.Name, Type: typ, Flags: req.Flags})
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, def)
}

// POST /api/v1/scheduler/cycle
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	res, err := s.cluster.RunCycle(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}
