package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-systems/switchboard/internal/httputil"
	"github.com/switchboard-systems/switchboard/internal/middleware"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// CreateRule handles POST /v1/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRuleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !req.RuleType.IsValid() {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "unknown rule_type")
		return
	}
	if !models.ValidCreatedBy(req.CreatedBy) {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "unknown created_by")
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var condition models.RuleCondition
	if len(req.Condition) > 0 {
		if err := json.Unmarshal(req.Condition, &condition); err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid condition")
			return
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate rule id")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.TriageRule{
		ID:        id.String(),
		RuleType:  req.RuleType,
		Condition: condition,
		Action:    action,
		Priority:  req.Priority,
		Enabled:   enabled,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.triage.CreateRule(r.Context(), rule); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create rule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	h.logger.InfoContext(r.Context(), "rule created",
		"rule_id", rule.ID, "rule_type", rule.RuleType, "subject", middleware.GetSubject(r.Context()))
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /v1/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	rules, err := h.triage.ListRules(r.Context(), includeDeleted)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list rules", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "total": len(rules)})
}

// GetRule handles GET /v1/rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.triage.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /v1/rules/{id}. Nil request fields leave the stored
// value unchanged.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRuleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := h.triage.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}

	if req.Action != nil {
		action, err := models.ParseAction(*req.Action)
		if err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		rule.Action = action
	}
	if len(req.Condition) > 0 {
		var condition models.RuleCondition
		if err := json.Unmarshal(req.Condition, &condition); err != nil {
			httputil.WriteError(w, http.StatusUnprocessableEntity, "invalid condition")
			return
		}
		rule.Condition = condition
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := h.triage.UpdateRule(r.Context(), rule); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to update rule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /v1/rules/{id}. Rules are soft-deleted; history
// referencing them stays intact.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.triage.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "rule not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to delete rule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	h.logger.InfoContext(r.Context(), "rule deleted",
		"rule_id", r.PathValue("id"), "subject", middleware.GetSubject(r.Context()))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetAffinitySettings handles GET /v1/affinity.
func (h *Handler) GetAffinitySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.affinity.Settings(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load affinity settings", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load affinity settings")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, settings)
}

// UpdateAffinitySettings handles PUT /v1/affinity.
func (h *Handler) UpdateAffinitySettings(w http.ResponseWriter, r *http.Request) {
	var settings models.ThreadAffinitySettings
	if err := httputil.DecodeJSON(r, &settings); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if settings.TTLDays <= 0 {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "ttl_days must be positive")
		return
	}

	settings.UpdatedAt = time.Now().UTC()
	if err := h.affinity.UpdateSettings(r.Context(), &settings); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to update affinity settings", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update affinity settings")
		return
	}
	h.logger.InfoContext(r.Context(), "affinity settings updated",
		"ttl_days", settings.TTLDays, "subject", middleware.GetSubject(r.Context()))
	httputil.WriteJSON(w, http.StatusOK, settings)
}
