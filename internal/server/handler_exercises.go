package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

type exerciseResponse struct {
	*model.Exercise
	Signature string `json:"signature"`
}

func (s *Server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	exercises, err := s.store.ListExercises(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	out := make([]exerciseResponse, 0, len(exercises))
	for _, ex := range exercises {
		out = append(out, exerciseResponse{Exercise: ex, Signature: ex.Signature()})
	}
	respondOK(w, reqID, out)
}

func (s *Server) handleGetExercise(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ex, err := s.store.GetExercise(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if ex == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("exercise", id))
		return
	}
	respondOK(w, reqID, exerciseResponse{Exercise: ex, Signature: ex.Signature()})
}
