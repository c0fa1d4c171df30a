package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"go.uber.org/zap"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateWalletHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	wallet, err := h.ledger.CreateWallet(r.Context(), p.OwnerID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, wallet)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	wallet, err := h.ledger.GetWallet(r.Context(), p.OwnerID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) DeactivateWalletHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := h.ledger.DeactivateWallet(r.Context(), p.OwnerID); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) FundHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req domain.FundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	req.OwnerID, req.PayerEmail = p.OwnerID, p.Email

	fund, err := h.ledger.InitiateFunding(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, fund)
}

func (h *Handler) VerifyFundingHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	s, err := h.ledger.VerifyFunding(r.Context(), p.OwnerID, mux.Vars(r)["reference"])
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s)
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return body
}

func (h *Handler) TransferHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	req.SenderOwnerID = p.OwnerID
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.ledger.Transfer(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req domain.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	req.OwnerID = p.OwnerID
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.ledger.Withdraw(r.Context(), req)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusCreated, res)
	case res != nil:
		// Funds are reserved and the payout will be reconciled.
		respondWithJSON(w, http.StatusAccepted, res)
	default:
		h.respondWithDomainError(w, err)
	}
}

func (h *Handler) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	banks, err := h.ledger.ListBanks(r.Context())
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, banks)
}

func (h *Handler) ResolveAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountNumber string `json:"account_number"`
		BankCode      string `json:"bank_code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	acct, err := h.ledger.ResolveAccount(r.Context(), req.AccountNumber, req.BankCode)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acct)
}

// PaystackWebhookHandler acknowledges once the event is authenticated and
// recorded; applying it happens on the dispatcher.
func (h *Handler) PaystackWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}

	e, fresh, err := h.ingest.Receive(r.Context(), payload, r.Header.Get("X-Paystack-Signature"))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if e.ProcessedAt == nil {
		h.dispatch.Enqueue(e)
	}
	h.log.Debug("webhook acknowledged", zap.Int64("event_id", e.ID), zap.Bool("fresh", fresh))
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
