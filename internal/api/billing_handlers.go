package api

import (
	"errors"
	"net/http"

	"github.com/kamilpajak/pagewise/internal/billing"
)

// handleGetUsage returns the caller's usage in the current billing cycle.
func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	account, _, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	snap, err := s.quota.Snapshot(r.Context(), account.ID)
	if err != nil {
		s.writeQuotaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleCreateCheckout creates a Stripe checkout session.
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID     string `json:"plan_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	account, _, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	url, err := s.checkout.StartCheckout(r.Context(), billing.CheckoutRequest{
		AccountID:  account.ID,
		Email:      account.Email,
		PlanID:     req.PlanID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if errors.Is(err, billing.ErrInvalidPlan) {
		writeError(w, http.StatusBadRequest, "plan is not purchasable")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("account_id", account.ID).Error("failed to create checkout session")
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"checkout_url": url,
	})
}

// handleCreatePortal creates a Stripe billing portal session.
func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, _, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	url, err := s.checkout.PortalURL(r.Context(), account.ID, req.ReturnURL)
	if errors.Is(err, billing.ErrNoCustomer) {
		writeError(w, http.StatusBadRequest, "account has no billing account")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("account_id", account.ID).Error("failed to create portal session")
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"portal_url": url,
	})
}
