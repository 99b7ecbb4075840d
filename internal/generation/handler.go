package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/middleware"
	"github.com/framecredit/backend/internal/models"
	"github.com/framecredit/backend/internal/providers"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]string      `json:"details,omitempty"`
	Task    *models.GenerationTask `json:"task,omitempty"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// POST /v1/generations
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromCtx(r.Context())
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	task, err := h.svc.Create(r.Context(), accountID, req)
	if err != nil {
		h.writeCreateError(w, task, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (h *Handler) writeCreateError(w http.ResponseWriter, task *models.GenerationTask, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fmt.Sprintf("failed on '%s'", fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, providers.ErrUnsupportedMode),
		errors.Is(err, providers.ErrUnknownProvider):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits"})
	case errors.Is(err, ErrSubmitFailed) && errors.Is(err, providers.ErrProviderRejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "provider rejected the request", Task: task})
	case errors.Is(err, ErrSubmitFailed):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "provider unavailable", Task: task})
	default:
		h.log.Error("create generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// GET /v1/generations
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromCtx(r.Context())
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.List(r.Context(), accountID, limit)
	if err != nil {
		h.log.Error("list generations failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if list == nil {
		list = []*models.GenerationTask{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /v1/generations/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromCtx(r.Context())
	if accountID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}
	task, err := h.svc.Get(r.Context(), accountID, id)
	if errors.Is(err, ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	if err != nil {
		h.log.Error("get generation failed", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
