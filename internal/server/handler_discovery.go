package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "pbsched API",
		Version:     "v1",
		Description: "Batch job scheduler: vnodes, queues, hooks, jobs and scheduling cycles",
		Endpoints: []endpointInfo{
			{"/api/v1/server", []string{"GET", "PUT"}, "Server scheduling policy attributes"},
			{"/api/v1/server/unset", []string{"PUT"}, "Restore server attributes to their defaults"},
			{"/api/v1/resources", []string{"GET", "POST"}, "Resource definitions"},
			{"/api/v1/nodes", []string{"GET", "POST"}, "Vnode listing and creation per host"},
			{"/api/v1/nodes/{id}", []string{"GET", "PUT", "DELETE"}, "Single vnode operations"},
			{"/api/v1/nodes/{id}/unset", []string{"PUT"}, "Clear vnode attributes"},
			{"/api/v1/nodes/{id}/events", []string{"GET"}, "Vnode state change history"},
			{"/api/v1/hosts/{host}/heartbeat", []string{"PUT"}, "Execution host liveness"},
			{"/api/v1/queues", []string{"GET", "POST"}, "Queue management"},
			{"/api/v1/queues/{name}", []string{"GET", "PUT", "DELETE"}, "Single queue operations"},
			{"/api/v1/hooks", []string{"GET", "POST"}, "Hook management"},
			{"/api/v1/hooks/{name}", []string{"GET", "PUT", "DELETE"}, "Single hook operations"},
			{"/api/v1/jobs", []string{"GET", "POST"}, "Job submission and listing"},
			{"/api/v1/jobs/{id}", []string{"GET", "DELETE"}, "Single job status and deletion"},
			{"/api/v1/jobs/{id}/release", []string{"POST"}, "Release a held job"},
			{"/api/v1/jobs/{id}/obit", []string{"POST"}, "Report job completion from the execution host"},
			{"/api/v1/jobs/{id}/events", []string{"GET"}, "Job lifecycle history"},
			{"/api/v1/scheduler/cycle", []string{"POST"}, "Run one scheduling cycle now"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
