package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/powersol/settlement/api/metrics"
	"github.com/powersol/settlement/engine/pkg/affiliate"
	"github.com/powersol/settlement/engine/pkg/ledger"
	"github.com/powersol/settlement/engine/pkg/sol"
	"github.com/powersol/settlement/engine/pkg/tier"
	"github.com/powersol/settlement/engine/pkg/withdraw"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP statuses. Conflicts of every
// flavor (duplicates, insufficient funds, gates that have not opened
// yet) are 409: the request was well-formed but the state refuses it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, affiliate.ErrNotFound),
		errors.Is(err, withdraw.ErrRequestNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, affiliate.ErrAlreadyReferred),
		errors.Is(err, affiliate.ErrSaleAlreadyProcessed),
		errors.Is(err, withdraw.ErrInsufficientFunds),
		errors.Is(err, withdraw.ErrAlreadyResolved),
		errors.Is(err, withdraw.ErrNotCancellable),
		errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientPendingRewards),
		errors.Is(err, ledger.ErrVrfNotCompleted),
		errors.Is(err, ledger.ErrClaimNotYetAvailable):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, sol.ErrArtifactMismatch),
		errors.Is(err, sol.ErrBadSignature),
		errors.Is(err, withdraw.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Reason: err.Error()}
	switch status {
	case http.StatusNotFound:
		resp.Error = "not_found"
	case http.StatusConflict:
		resp.Error = "conflict"
	case http.StatusForbidden:
		resp.Error = "forbidden"
	case http.StatusBadRequest:
		resp.Error = "invalid_request"
	default:
		resp.Error = "internal_error"
		// Internal details stay in the logs.
		resp.Reason = ""
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats creates the affiliate on first sight, so a wallet's first
// dashboard visit yields a referral code.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if _, err := s.cfg.Affiliates.GetOrCreate(r.Context(), wallet); err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.cfg.Affiliates.Stats(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	refs, err := s.cfg.Affiliates.Referrals(r.Context(), wallet, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"referrals": refs})
}

type prepareWithdrawalRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handlePrepareWithdrawal(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	var req prepareWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed JSON body"})
		return
	}
	if req.Amount == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "amount must be positive"})
		return
	}

	prep, err := s.cfg.Withdrawer.Prepare(r.Context(), wallet, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordWithdrawal("prepared", prep.Amount)
	writeJSON(w, http.StatusCreated, prep)
}

type submitWithdrawalRequest struct {
	SignedTransaction string `json:"signed_transaction"`
}

func (s *Server) handleSubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed request id"})
		return
	}
	var req submitWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignedTransaction == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "signed_transaction is required"})
		return
	}

	result, err := s.cfg.Withdrawer.Submit(r.Context(), id, req.SignedTransaction)
	if errors.Is(err, withdraw.ErrConfirmationPending) {
		// Broadcast but unconfirmed: the request stays open and the
		// client should poll or wait for reconciliation.
		metrics.RecordWithdrawal("pending_timeout", 0)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": string(withdraw.StatusPending),
			"reason": "confirmation pending",
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch result.Status {
	case withdraw.StatusCompleted:
		metrics.RecordWithdrawal("completed", result.Amount)
	case withdraw.StatusFailed:
		metrics.RecordWithdrawal("failed", result.Amount)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed request id"})
		return
	}

	result, err := s.cfg.Withdrawer.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordWithdrawal("cancelled", result.Amount)
	writeJSON(w, http.StatusOK, result)
}

type setTierRequest struct {
	Tier   uint8  `json:"tier"`
	Admin  string `json:"admin"`
	Reason string `json:"reason"`
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	var req setTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed JSON body"})
		return
	}
	t := tier.Tier(req.Tier)
	if !t.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "tier must be between 1 and 4"})
		return
	}
	if req.Admin == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "admin is required"})
		return
	}

	err := s.cfg.Affiliates.SetManualTier(r.Context(), wallet, t, req.Admin, req.Reason, r.RemoteAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.cfg.Affiliates.Stats(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type removeTierRequest struct {
	Admin  string `json:"admin"`
	Reason string `json:"reason"`
}

func (s *Server) handleRemoveTier(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	var req removeTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed JSON body"})
		return
	}
	if req.Admin == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "admin is required"})
		return
	}

	err := s.cfg.Affiliates.RemoveManualTier(r.Context(), wallet, req.Admin, req.Reason, r.RemoteAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.cfg.Affiliates.Stats(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSale(w http.ResponseWriter, r *http.Request) {
	var event affiliate.SaleEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: "malformed JSON body"})
		return
	}
	if err := event.Validate(); err != nil {
		metrics.RecordSale("rejected", 0, 0)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Reason: err.Error()})
		return
	}

	result, err := s.cfg.Sales.ProcessSale(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, affiliate.ErrSaleAlreadyProcessed):
			metrics.RecordSale("duplicate", 0, 0)
		case errors.Is(err, affiliate.ErrAlreadyReferred), errors.Is(err, affiliate.ErrNotFound):
			metrics.RecordSale("rejected", 0, 0)
		default:
			metrics.RecordSale("error", 0, 0)
		}
		s.writeError(w, r, err)
		return
	}
	metrics.RecordSale("settled", result.Breakdown.Commission, result.Breakdown.Delta)
	writeJSON(w, http.StatusCreated, result)
}
