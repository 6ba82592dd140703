package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"homeward/internal/lifecycle"
	"homeward/internal/readmodel"
	"homeward/internal/remittance"
	"homeward/internal/walletauth"
)

type validateResponse struct {
	Valid       bool                        `json:"valid"`
	Errors      remittance.ValidationErrors `json:"errors,omitempty"`
	FeeEstimate *decimal.Decimal            `json:"feeEstimate,omitempty"`
	Total       *decimal.Decimal            `json:"total,omitempty"`
}

// decodeRequest reads a transfer request. A verified wallet always wins over
// a sender address in the body.
func (s *Server) decodeRequest(r *http.Request) (remittance.Request, error) {
	var req remittance.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	if addr, ok := walletauth.AddressFrom(r.Context()); ok {
		req.SenderAddress = addr
	}
	return req, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	validated, err := s.validator.Validate(req)
	var verrs remittance.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Errors: verrs})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fee := remittance.ComputeFee(validated.Amount, s.validator.Decimals)
	total := validated.Amount.Add(fee)
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, FeeEstimate: &fee, Total: &total})
}

// handleCreate validates and submits a transfer. X-Idempotency-Key, when
// present, names the draft within the sender's own keys: repeating it never
// submits twice, and after a restart the journaled outcome is replayed.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := s.decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key != "" {
		key = idempotencyKey(req.SenderAddress, key)
		if snap, ok := s.replay(r, key); ok {
			s.metrics.incSubmission("replayed")
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	validated, err := s.validator.Validate(req)
	var verrs remittance.ValidationErrors
	if errors.As(err, &verrs) {
		s.metrics.incSubmission("invalid")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Details: verrs})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	draft := lifecycle.NewDraft(validated)
	if key != "" {
		draft = lifecycle.DraftWithID(key, validated)
	}

	snap, err := s.manager.Submit(ctx, draft)
	switch {
	case errors.Is(err, lifecycle.ErrClosed):
		s.metrics.incSubmission("rejected")
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	case err != nil:
		s.metrics.incSubmission("error")
		s.logger.Error("submit failed", zap.String("draft_id", draft.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit remittance")
		return
	}

	s.metrics.incSubmission("accepted")
	w.Header().Set("Location", fmt.Sprintf("/api/v1/remittances/%s", snap.RequestID))
	writeJSON(w, http.StatusAccepted, snap)
}

// idempotencyKey scopes a client key to the account it acts for, so two
// senders choosing the same key never share a transaction.
func idempotencyKey(account, key string) string {
	return strings.ToLower(strings.TrimSpace(account)) + ":" + key
}

// handleComplete marks a ledger transfer as delivered. The call is sent from
// the verified wallet, or from the transfer's recipient when none is attached.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := s.cache.TransactionDetail(ctx, chi.URLParam(r, "txId"))
	if err != nil {
		s.writeView(w, nil, err)
		return
	}
	if info.IsCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("transaction %s is already completed", info.ID))
		return
	}

	caller := info.Recipient
	if addr, ok := walletauth.AddressFrom(ctx); ok {
		caller = addr
	}

	draftID := uuid.NewString()
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		draftID = idempotencyKey(caller, "complete/"+info.ID+"/"+key)
		if snap, ok := s.replay(r, draftID); ok {
			s.metrics.incSubmission("replayed")
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	snap, err := s.manager.Complete(ctx, lifecycle.Completion{
		DraftID:    draftID,
		LedgerTxID: info.ID,
		Caller:     caller,
		Sender:     info.Sender,
		Recipient:  info.Recipient,
		Amount:     info.Amount,
		Fee:        info.Fee,
	})
	switch {
	case errors.Is(err, lifecycle.ErrInvalidCompletion):
		s.metrics.incSubmission("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, lifecycle.ErrClosed):
		s.metrics.incSubmission("rejected")
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	case err != nil:
		s.metrics.incSubmission("error")
		s.logger.Error("completion failed", zap.String("tx_id", info.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to complete transaction")
		return
	}

	s.metrics.incSubmission("accepted")
	w.Header().Set("Location", fmt.Sprintf("/api/v1/remittances/%s", snap.RequestID))
	writeJSON(w, http.StatusAccepted, snap)
}

// replay finds a draft submitted in an earlier session.
func (s *Server) replay(r *http.Request, draftID string) (lifecycle.Snapshot, bool) {
	snap, ok, err := s.journal.ByDraft(r.Context(), draftID)
	if err != nil {
		s.logger.Warn("journal lookup failed", zap.String("draft_id", draftID), zap.Error(err))
		return lifecycle.Snapshot{}, false
	}
	if !ok {
		return lifecycle.Snapshot{}, false
	}
	if live, err := s.manager.Get(snap.RequestID); err == nil {
		return live, true
	}
	return snap, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sender := strings.TrimSpace(r.URL.Query().Get("sender"))
	state := lifecycle.State(strings.TrimSpace(r.URL.Query().Get("state")))

	out := make([]lifecycle.Snapshot, 0)
	for _, snap := range s.manager.List() {
		if sender != "" && !strings.EqualFold(snap.SenderAddress, sender) {
			continue
		}
		if state != "" && snap.State != state {
			continue
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, struct {
		Remittances []lifecycle.Snapshot `json:"remittances"`
	}{Remittances: out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.manager.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	history, herr := s.journal.History(r.Context(), id)
	if herr != nil || len(history) == 0 {
		writeError(w, http.StatusNotFound, lifecycle.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, history[len(history)-1])
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.journal.History(r.Context(), id)
	if err != nil {
		s.logger.Error("journal history failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if len(history) == 0 {
		writeError(w, http.StatusNotFound, lifecycle.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RequestID string               `json:"requestId"`
		History   []lifecycle.Snapshot `json:"history"`
	}{RequestID: id, History: history})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if addr, ok := walletauth.AddressFrom(r.Context()); ok {
		if snap, err := s.manager.Get(id); err == nil && !strings.EqualFold(snap.SenderAddress, addr) {
			writeError(w, http.StatusForbidden, "only the sender may cancel a remittance")
			return
		}
	}

	snap, err := s.manager.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Details: snap})
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.cache.Reputation(r.Context(), chi.URLParam(r, "address"))
	s.writeView(w, rep, err)
}

func (s *Server) handleTransactionCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.cache.TransactionCount(r.Context(), chi.URLParam(r, "address"))
	s.writeView(w, count, err)
}

func (s *Server) handleLedgerTransaction(w http.ResponseWriter, r *http.Request) {
	info, err := s.cache.TransactionDetail(r.Context(), chi.URLParam(r, "txId"))
	s.writeView(w, info, err)
}

func (s *Server) writeView(w http.ResponseWriter, value any, err error) {
	var fetchErr *readmodel.FetchError
	switch {
	case err == nil:
		s.metrics.incCacheRead("ok")
		writeJSON(w, http.StatusOK, value)
	case errors.Is(err, readmodel.ErrInvalidKey):
		s.metrics.incCacheRead("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &fetchErr):
		s.metrics.incCacheRead("fetch_error")
		s.logger.Warn("ledger read failed", zap.String("key", fetchErr.Key.String()), zap.Error(fetchErr.Err))
		writeError(w, http.StatusBadGateway, "ledger read failed, try again")
	default:
		s.metrics.incCacheRead("error")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
