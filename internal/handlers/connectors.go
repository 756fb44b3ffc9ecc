package handlers

import (
	"errors"
	"net/http"

	"github.com/switchboard-systems/switchboard/internal/connectors"
	"github.com/switchboard-systems/switchboard/internal/httputil"
	"github.com/switchboard-systems/switchboard/internal/models"
)

// Heartbeat handles POST /v1/connectors/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.connectors.Heartbeat(r.Context(), &req); err != nil {
		if errors.Is(err, connectors.ErrInvalidHeartbeat) {
			httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to record heartbeat", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ListConnectors handles GET /v1/connectors.
func (h *Handler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.connectors.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list connectors", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list connectors")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"connectors": statuses, "total": len(statuses)})
}
