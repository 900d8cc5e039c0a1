package server

import (
	"net/http"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

type meResponse struct {
	User   *model.User          `json:"user"`
	Ledger []*model.LedgerEntry `json:"ledger"`
}

// handleMe returns the caller's account and most recent balance changes.
// GET /api/v1/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	user := UserFromContext(r.Context())

	entries, err := s.store.ListLedgerEntries(r.Context(), user.ID, model.DefaultRecentLimit)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if entries == nil {
		entries = []*model.LedgerEntry{}
	}
	respondOK(w, reqID, meResponse{User: user, Ledger: entries})
}
