package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/auth"
	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/kamilpajak/pagewise/internal/database"
)

// requireAccount resolves the authenticated caller's account.
// Callers that have never synced get 404 and should call /api/auth/sync first.
func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request) (*database.Account, *auth.UserClaims, bool) {
	claims := auth.Claims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return nil, nil, false
	}

	account, err := s.accounts.GetAccountByExternalID(r.Context(), claims.Subject)
	if err != nil {
		s.log.WithError(err).Error("failed to load account")
		writeError(w, http.StatusInternalServerError, "database error")
		return nil, nil, false
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found - call /api/auth/sync first")
		return nil, nil, false
	}

	return account, claims, true
}

// parseAccountID parses an account ID supplied by an internal caller.
func parseAccountID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("nil account ID")
	}
	return id, nil
}

// writeQuotaError maps quota failures to responses. Denials never reach here.
func (s *Server) writeQuotaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, billing.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "pages must be positive and source_ref is required")
	default:
		s.log.WithError(err).Error("quota operation failed")
		writeError(w, http.StatusInternalServerError, "failed to read usage")
	}
}
