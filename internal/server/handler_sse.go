package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

const sseHeartbeat = 15 * time.Second

// handleSSETask streams task snapshots via Server-Sent Events: "init" with the
// current state, "update" per published change and "complete" once terminal.
// GET /api/v1/sse/tasks/{id}
func (s *Server) handleSSETask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if !s.taskStreamAllowed(w, r) {
		return
	}
	sub, task, err := s.subscribeTask(r)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	defer sub.Close()
	id := task.ID

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("streaming not supported"))
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if task.State.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", task)
		return
	}
	if err := sendSSEEvent(w, flusher, "init", task); err != nil {
		s.logger.Debug("sse client disconnected", "task_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			var snap model.Task
			if err := json.Unmarshal(payload, &snap); err != nil {
				s.logger.Error("sse decode snapshot", "task_id", id, "error", err)
				continue
			}
			event := "update"
			if snap.State.IsTerminal() {
				event = "complete"
			}
			if err := writeSSE(w, flusher, event, payload); err != nil {
				s.logger.Debug("sse client disconnected", "task_id", id)
				return
			}
			if event == "complete" {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// taskStreamAllowed reports whether the caller may stream the task, writing
// the error response when not.
func (s *Server) taskStreamAllowed(w http.ResponseWriter, r *http.Request) bool {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())

	if s.hub == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("live updates are disabled"))
		return false
	}
	if _, err := s.scheduler.GetTask(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		respondAPIError(w, reqID, err)
		return false
	}
	return true
}

// subscribeTask subscribes to the task channel and then reads the current
// snapshot, so no change between the two is lost.
func (s *Server) subscribeTask(r *http.Request) (*publish.Subscription, *model.Task, error) {
	id := chi.URLParam(r, "id")
	user := UserFromContext(r.Context())

	sub := s.hub.Subscribe(model.TaskChannel(id))
	task, err := s.scheduler.GetTask(r.Context(), id, user.ID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, task, nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeSSE(w, flusher, event, jsonData)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
