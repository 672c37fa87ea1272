package api

import (
	"net/http"
)

// handleQuotaCheck answers whether an account may process the given number
// of pages. A denial is a 200 with allowed=false and a reason.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Pages     int    `json:"pages"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accountID, err := parseAccountID(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account ID")
		return
	}
	if req.Pages < 0 {
		writeError(w, http.StatusBadRequest, "pages must not be negative")
		return
	}
	if !s.limiters.Allow(accountID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	decision, err := s.quota.CheckAndReserve(r.Context(), accountID, req.Pages)
	if err != nil {
		s.writeQuotaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// handleRecordUsage appends consumed pages once the metered work is done.
// Replays of the same source_ref return recorded=false. Appends are not rate
// limited: the pages were already consumed and must be billed.
func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Pages     int    `json:"pages"`
		SourceRef string `json:"source_ref"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accountID, err := parseAccountID(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account ID")
		return
	}
	recording, err := s.quota.Record(r.Context(), accountID, req.Pages, req.SourceRef)
	if err != nil {
		s.writeQuotaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recording)
}
