package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// ReasonUser is recorded when the owner interrupts a task explicitly.
const ReasonUser = "interrupted by user"

// handleRun submits code for an exercise.
// POST /api/v1/run
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body", model.FieldError{Message: err.Error()}))
		return
	}

	res, err := s.scheduler.Submit(r.Context(), user.ID, req.ExerciseID, req.Code)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, res)
}

// handleListTasks returns the caller's newest tasks.
// GET /api/v1/tasks?limit=N
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid limit", model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		limit = n
	}

	tasks, err := s.scheduler.ListRecentTasks(r.Context(), user.ID, limit)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondOK(w, reqID, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())

	task, err := s.scheduler.GetTask(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

// handleInterruptTask interrupts one of the caller's tasks. Terminal tasks
// are returned unchanged.
// POST /api/v1/tasks/{id}/interrupt
func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.scheduler.GetTask(r.Context(), id, user.ID); err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	if err := s.scheduler.Interrupt(r.Context(), id, ReasonUser); err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	task, err := s.scheduler.GetTask(r.Context(), id, user.ID)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}
