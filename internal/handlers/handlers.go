package handlers

import (
	"net/http"

	"github.com/switchboard-systems/switchboard/internal/connectors"
	"github.com/switchboard-systems/switchboard/internal/dispatch"
	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/httputil"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/messaging"
	"github.com/switchboard-systems/switchboard/internal/ratelimit"
	"github.com/switchboard-systems/switchboard/internal/registry"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

// Handler bundles the service layer behind the HTTP API.
type Handler struct {
	events     *eventstore.Service
	triage     *triage.Service
	affinity   *triage.AffinityRouter
	registry   *registry.Service
	connectors *connectors.Tracker
	dispatcher *dispatch.Dispatcher
	limiter    ratelimit.RateLimiter
	bus        messaging.Publisher
	logger     *logging.Logger
}

func NewHandler(
	events *eventstore.Service,
	triageSvc *triage.Service,
	affinity *triage.AffinityRouter,
	reg *registry.Service,
	tracker *connectors.Tracker,
	dispatcher *dispatch.Dispatcher,
	limiter ratelimit.RateLimiter,
	bus messaging.Publisher,
	logger *logging.Logger,
) *Handler {
	return &Handler{
		events:     events,
		triage:     triageSvc,
		affinity:   affinity,
		registry:   reg,
		connectors: tracker,
		dispatcher: dispatcher,
		limiter:    limiter,
		bus:        bus,
		logger:     logger,
	}
}

// HealthCheck handles GET /healthz.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
