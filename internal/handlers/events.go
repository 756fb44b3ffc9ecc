package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/httputil"
	"github.com/switchboard-systems/switchboard/internal/messaging"
	"github.com/switchboard-systems/switchboard/internal/middleware"
	"github.com/switchboard-systems/switchboard/internal/models"
)

// ingestResponse is the acknowledgement returned to connectors.
type ingestResponse struct {
	Status    models.IngestStatus `json:"status"`
	EventID   string              `json:"event_id,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

// IngestEvent handles POST /v1/events. The pipeline is admission control,
// durable ingestion, triage, then the durable routing queue; once the event
// row exists the caller gets an acknowledgement even if routing fails later.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var envelope models.IngestEnvelope
	if err := httputil.DecodeJSON(r, &envelope); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	allowed, err := h.limiter.Allow(ctx, envelope.Source.Channel)
	if err != nil {
		h.logger.WarnContext(ctx, "rate limiter unavailable, admitting", "error", err)
	} else if !allowed {
		h.logger.WarnContext(ctx, "ingestion overload rejected",
			"source_channel", envelope.Source.Channel, "client_ip", httputil.GetClientIP(r))
		httputil.WriteError(w, http.StatusTooManyRequests, "overload rejected")
		return
	}

	result, err := h.events.Ingest(ctx, &envelope)
	if err != nil {
		var verr *eventstore.ValidationError
		if errors.As(err, &verr) {
			httputil.WriteError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		h.logger.ErrorContext(ctx, "ingestion failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}

	if result.Status == models.IngestAccepted {
		h.routeAccepted(r, &envelope, result.EventID)
	}

	httputil.WriteJSON(w, http.StatusOK, ingestResponse{
		Status:    result.Status,
		EventID:   result.EventID,
		RequestID: middleware.GetRequestID(ctx),
	})
}

// routeAccepted runs triage and hands matched events to the routing queue.
// Failures here never fail the ingestion response; the event row is durable
// and diagnosable from the logs and metrics.
func (h *Handler) routeAccepted(r *http.Request, envelope *models.IngestEnvelope, eventID string) {
	ctx := r.Context()

	// A thread already bound to a worker stays with that worker; the rule
	// engine only runs for unbound threads.
	target, bound, err := h.affinity.Resolve(ctx, envelope.Payload.ThreadID, envelope.Source.Channel)
	if err != nil {
		h.logger.WarnContext(ctx, "thread affinity lookup failed", "event_id", eventID, "error", err)
		bound = false
	}
	if !bound {
		decision, err := h.triage.Evaluate(ctx, envelope)
		if err != nil {
			h.logger.ErrorContext(ctx, "triage evaluation failed", "event_id", eventID, "error", err)
			return
		}
		if decision.Action.Kind == models.ActionRouteTo {
			target = decision.Action.Target
		}
	}

	if target != "" {
		args, err := json.Marshal(envelope.Payload)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to encode routing args", "event_id", eventID, "error", err)
			return
		}
		accepted, err := h.dispatcher.Accept(ctx, &models.RoutingEnvelope{
			EventID:       eventID,
			SourceWorker:  "triage",
			Target:        target,
			Tool:          "handle_event",
			Args:          args,
			ThreadID:      envelope.Payload.ThreadID,
			SourceChannel: envelope.Source.Channel,
		})
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to queue routing request", "event_id", eventID, "error", err)
		} else {
			h.logger.InfoContext(ctx, "event queued for routing",
				"event_id", eventID, "target", target, "queue_id", accepted.QueueID)
		}
	}

	// Best-effort fan-out for downstream observers.
	if payload, err := json.Marshal(map[string]string{"event_id": eventID, "source_channel": envelope.Source.Channel}); err == nil {
		if err := h.bus.Publish(ctx, messaging.SubjectEventsAccepted, payload); err != nil {
			h.logger.DebugContext(ctx, "failed to publish event acceptance", "error", err)
		}
	}
}

// GetEvent handles GET /v1/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event id required")
		return
	}

	event, err := h.events.GetEvent(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "event not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}
