package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/pbsched/pkg/model"
)

type createNodesRequest struct {
	Host  string            `json:"host"`
	Count int               `json:"count"`
	Attrs map[string]string `json:"attrs"`
	// Natural defaults to true: the first vnode carries the host name.
	Natural *bool `json:"natural,omitempty"`
}

// POST /api/v1/nodes
func (s *Server) handleCreateNodes(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req createNodesRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	natural := true
	if req.Natural != nil {
		natural = *req.Natural
	}
	views, err := s.cluster.CreateVnodes(r.Context(), req.Host, req.Attrs, req.Count, natural)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, views)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	nodes := s.cluster.Nodes()
	if host := r.URL.Query().Get("host"); host != "" {
		out := nodes[:0]
		for _, n := range nodes {
			if n.Host == host {
				out = append(out, n)
			}
		}
		nodes = out
	}
	opts := listOptions(r)
	page, pg := model.Page(nodes, opts)
	respondList(w, reqID, page, pg)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	v, err := s.cluster.Node(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, v)
}

// PUT /api/v1/nodes/{id}
func (s *Server) handleSetNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req attrsRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	v, err := s.cluster.SetNode(r.Context(), chi.URLParam(r, "id"), req.Attrs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, v)
}

// PUT /api/v1/nodes/{id}/unset
func (s *Server) handleUnsetNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req unsetRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	v, err := s.cluster.UnsetNode(r.Context(), chi.URLParam(r, "id"), req.Keys)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, v)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.cluster.DeleteNode(r.Context(), id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": id})
}

// GET /api/v1/nodes/{id}/events
func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	recs, total, err := s.cluster.NodeRecords(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if recs == nil {
		recs = []model.NodeRecord{}
	}
	respondList(w, reqID, recs, pagination(total, opts))
}

type heartbeatRequest struct {
	// Instance identifies one run of the host agent.
	Instance string `json:"instance"`
}

// PUT /api/v1/hosts/{host}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req heartbeatRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, reqID, &req) {
		return
	}
	res, err := s.cluster.Heartbeat(r.Context(), chi.URLParam(r, "host"), req.Instance)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}
