package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	GoVersion  string         `json:"go_version"`
	Uptime     string         `json:"uptime"`
	Server     string         `json:"server"`
	Scheduling bool           `json:"scheduling"`
	Nodes      map[string]int `json:"nodes"`
	Jobs       map[string]int `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	attrs := s.cluster.ServerAttrs()
	stats := s.cluster.Stats()
	respondOK(w, reqID, healthResponse{
		Status:     "healthy",
		Version:    Version,
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Server:     attrs.Name,
		Scheduling: attrs.Scheduling,
		Nodes:      stats["nodes"],
		Jobs:       stats["jobs"],
	})
}
