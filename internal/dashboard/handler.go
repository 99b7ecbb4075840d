// Package dashboard serves the account-facing credit views.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/middleware"
	"github.com/framecredit/backend/internal/models"
)

type Handler struct {
	ledger ledger.Service
	log    *slog.Logger
}

func NewHandler(l ledger.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /v1/credits
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromCtx(r.Context())
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.log.Error("get balance failed", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, models.Account{ID: accountID, CreditBalance: balance})
}

// GET /v1/credits/ledger?limit=
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromCtx(r.Context())
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		h.log.Error("list credit ledger failed", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
