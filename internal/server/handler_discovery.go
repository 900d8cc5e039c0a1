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
		Name:        "GPU Code Runner API",
		Version:     "v1",
		Description: "Submission, queueing and credit-metered execution of exercise code",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/me", []string{"GET"}, "Current user and credit balance"},
			{"/api/v1/exercises", []string{"GET"}, "Exercise catalog"},
			{"/api/v1/exercises/{id}", []string{"GET"}, "Single exercise with rendered signature"},
			{"/api/v1/run", []string{"POST"}, "Submit code for an exercise"},
			{"/api/v1/tasks", []string{"GET"}, "Recent tasks of the current user (?limit=)"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single task detail"},
			{"/api/v1/tasks/{id}/interrupt", []string{"POST"}, "Interrupt a pending or running task"},
			{"/api/v1/ws/tasks/{id}", []string{"GET"}, "WebSocket stream of task snapshots"},
			{"/api/v1/sse/tasks/{id}", []string{"GET"}, "Server-Sent Events stream of task snapshots"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
