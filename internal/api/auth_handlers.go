package api

import (
	"net/http"

	"github.com/kamilpajak/pagewise/internal/auth"
)

// handleAuthSync creates the caller's account on first sign-in.
// Repeated calls return the existing account.
func (s *Server) handleAuthSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	email := auth.Email(ctx)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email not available in token")
		return
	}

	account, err := s.accounts.GetOrCreateAccount(ctx, userID, email)
	if err != nil {
		s.log.WithError(err).Error("failed to sync account")
		writeError(w, http.StatusInternalServerError, "failed to sync account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          account.ID,
		"external_id": account.ExternalID,
		"email":       account.Email,
		"created_at":  account.CreatedAt,
	})
}

// handleGetMe returns the caller's account and current plan.
func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	account, claims, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	snap, err := s.quota.Snapshot(r.Context(), account.ID)
	if err != nil {
		s.writeQuotaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          account.ID,
		"external_id": account.ExternalID,
		"email":       account.Email,
		"name":        claims.Name,
		"created_at":  account.CreatedAt,
		"plan_id":     snap.PlanID,
		"status":      snap.Status,
	})
}
