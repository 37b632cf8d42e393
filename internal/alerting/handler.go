package alerting

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	derrors "dfir-detect/internal/errors"
)

// Handler provides HTTP handlers for the case-management side of alerting.
// Dedup keys contain '/' and '|', so they travel in the query string or body.
type Handler struct {
	generator  *Generator
	dispatcher *Dispatcher
}

// NewHandler creates a new alert handler. dispatcher may be nil.
func NewHandler(generator *Generator, dispatcher *Dispatcher) *Handler {
	return &Handler{generator: generator, dispatcher: dispatcher}
}

// RegisterRoutes registers alert routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.HandleGetAlert)
	mux.HandleFunc("POST /v1/alerts/acknowledge", h.statusHandler(StatusAcknowledged))
	mux.HandleFunc("POST /v1/alerts/resolve", h.statusHandler(StatusResolved))
	mux.HandleFunc("GET /v1/alerts/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/alerts/dead-letters", h.HandleDeadLetters)
	mux.HandleFunc("POST /v1/alerts/dead-letters/{id}/retry", h.HandleRetryDeadLetter)
}

// HandleGetAlert handles GET /v1/alerts?key=<dedup key> requests.
func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "key query parameter is required")
		return
	}

	alert, err := h.generator.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
			return
		}
		slog.Error("failed to get alert", "error", err)
		h.writeError(w, http.StatusInternalServerError, "store_error", derrors.SafeErrorMessage(err))
		return
	}

	h.writeJSON(w, http.StatusOK, alert)
}

type statusRequest struct {
	Key  string `json:"key"`
	User string `json:"user"`
}

func (h *Handler) statusHandler(status AlertStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "key field is required")
			return
		}

		alert, err := h.generator.SetStatus(r.Context(), req.Key, status, req.User)
		switch {
		case err == nil:
			h.writeJSON(w, http.StatusOK, alert)
		case errors.Is(err, ErrAlertNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "alert not found")
		case errors.Is(err, ErrInvalidTransition):
			h.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
		default:
			slog.Error("failed to update alert status", "status", status, "error", err)
			h.writeError(w, http.StatusInternalServerError, "store_error", derrors.SafeErrorMessage(err))
		}
	}
}

// HandleStats handles GET /v1/alerts/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	if h.dispatcher == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// HandleDeadLetters handles GET /v1/alerts/dead-letters requests.
func (h *Handler) HandleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	records := []DeliveryRecord{}
	if h.dispatcher != nil {
		records = h.dispatcher.DeadLetterQueue()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

// HandleRetryDeadLetter handles POST /v1/alerts/dead-letters/{id}/retry requests.
func (h *Handler) HandleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid delivery record ID format")
		return
	}
	if h.dispatcher == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "no dispatcher configured")
		return
	}
	if err := h.dispatcher.RetryDeadLetter(id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
