package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/switchboard-systems/switchboard/internal/httputil"
	"github.com/switchboard-systems/switchboard/internal/middleware"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// RegisterWorker handles POST /v1/registry.
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterWorkerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		if errors.Is(err, repository.ErrWorkerExists) {
			httputil.WriteError(w, http.StatusConflict, "worker already registered")
			return
		}
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

// ListWorkers handles GET /v1/registry.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list workers", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": workers, "total": len(workers)})
}

// GetWorker handles GET /v1/registry/{name}.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "worker not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, worker)
}

// WorkerHistory handles GET /v1/registry/{name}/history?from=&to=.
func (h *Handler) WorkerHistory(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}

	segments, err := h.registry.History(r.Context(), r.PathValue("name"), from, to)
	if err != nil {
		if errors.Is(err, repository.ErrWorkerNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "worker not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to load eligibility history", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"segments": segments})
}

// UnquarantineWorker handles POST /v1/registry/{name}/unquarantine.
func (h *Handler) UnquarantineWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.registry.Unquarantine(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, repository.ErrWorkerNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "worker not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to unquarantine worker", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to unquarantine worker")
		return
	}
	h.logger.InfoContext(r.Context(), "worker unquarantined",
		"worker", worker.Name, "subject", middleware.GetSubject(r.Context()))
	httputil.WriteJSON(w, http.StatusOK, worker)
}

// RoutingLog handles GET /v1/routes?thread_id=&limit=.
func (h *Handler) RoutingLog(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "thread_id required")
		return
	}
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100)

	entries, err := h.dispatcher.RoutingLog(r.Context(), threadID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load routing log", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load routing log")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"routes": entries, "total": len(entries)})
}
