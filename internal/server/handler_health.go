package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	GoVersion     string `json:"go_version"`
	Uptime        string `json:"uptime"`
	Scheduler     string `json:"scheduler"`
	Store         string `json:"store"`
	Running       int    `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:        "healthy",
		Version:       "0.1.0",
		GoVersion:     runtime.Version(),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Scheduler:     "not_configured",
		Store:         "ok",
		MaxConcurrent: s.config.Runtime.MaxConcurrent,
	}
	if s.scheduler != nil {
		resp.Scheduler = "running"
		resp.Running = s.scheduler.Running()
	}
	if _, err := s.store.TaskStats(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	respondOK(w, reqID, resp)
}
