package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/framecredit/backend/internal/models"
)

const maxPeekBytes = 64 << 10

// Quoter prices a generation without reserving credits.
type Quoter interface {
	Quote(provider string, mode models.Mode) (int64, error)
}

// BalanceReader reads an account balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
}

type peekedRequest struct {
	Provider string      `json:"provider"`
	Mode     models.Mode `json:"mode"`
}

// CreditPrecheck answers 402 before the handler runs when the account
// cannot cover the quoted price. It is advisory: the ledger reservation in
// the handler remains the authoritative check. Requests it cannot price are
// passed through so the handler reports the real validation error.
func CreditPrecheck(quotes Quoter, balances BalanceReader, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := AccountIDFromCtx(r.Context())
			if accountID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes+1))
			r.Body.Close()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
				return
			}
			if len(bodyBytes) > maxPeekBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek peekedRequest
			if err := json.Unmarshal(bodyBytes, &peek); err != nil || peek.Mode == "" {
				next.ServeHTTP(w, r)
				return
			}
			cost, err := quotes.Quote(peek.Provider, peek.Mode)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			balance, err := balances.GetBalance(r.Context(), accountID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("credit precheck: balance read failed", "account_id", accountID, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if balance < cost {
				writeJSON(w, http.StatusPaymentRequired, map[string]any{
					"error":    "insufficient credits",
					"required": cost,
					"balance":  balance,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
