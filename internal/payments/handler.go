package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/framecredit/backend/internal/models"
)

const maxWebhookBytes = 1 << 20

type webhookResponse struct {
	EventID string  `json:"event_id,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Handler receives gateway webhooks. It does not use bearer auth; the
// signature is the credential.
type Handler struct {
	verifier *Verifier
	settler  *Settler
	log      *slog.Logger
}

func NewHandler(v *Verifier, s *Settler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{verifier: v, settler: s, log: log}
}

// POST /v1/webhooks/payments
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil || len(body) > maxWebhookBytes {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
		return
	}
	sev, err := h.verifier.Construct(r.Header.Get(SignatureHeader), body)
	if err != nil && !errors.Is(err, ErrMalformedEvent) {
		h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid signature"})
		return
	}
	var ev *models.PaymentEvent
	if err == nil {
		ev, err = ParseEvent(sev)
	}
	if err != nil {
		h.log.Warn("webhook payload rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: err.Error()})
		return
	}
	outcome, err := h.settler.Settle(r.Context(), ev)
	if err != nil {
		if !errors.Is(err, r.Context().Err()) {
			h.log.Error("webhook settlement failed", "event_id", ev.EventID, "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, webhookResponse{EventID: ev.EventID, Error: "settlement failed"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{EventID: ev.EventID, Outcome: outcome})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
