package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard-systems/switchboard/internal/handlers"
	"github.com/switchboard-systems/switchboard/internal/middleware"
)

// NewRouter constructs the HTTP routing table. Ingestion and heartbeat paths
// carry only the request-id middleware; connectors authenticate upstream. The
// admin surface sits behind the JWT-or-API-key middleware.
func NewRouter(h *handlers.Handler, auth *middleware.AuthMiddleware, promReg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// Ingestion surface.
	mux.HandleFunc("POST /v1/events", h.IngestEvent)
	mux.HandleFunc("GET /v1/events/{id}", h.GetEvent)
	mux.HandleFunc("POST /v1/connectors/heartbeat", h.Heartbeat)
	mux.HandleFunc("GET /v1/connectors", h.ListConnectors)

	// Registry read model.
	mux.HandleFunc("GET /v1/registry", h.ListWorkers)
	mux.HandleFunc("GET /v1/registry/{name}", h.GetWorker)
	mux.HandleFunc("GET /v1/registry/{name}/history", h.WorkerHistory)
	mux.HandleFunc("GET /v1/routes", h.RoutingLog)

	// Admin surface.
	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/registry", h.RegisterWorker)
	admin.HandleFunc("POST /v1/registry/{name}/unquarantine", h.UnquarantineWorker)
	admin.HandleFunc("POST /v1/rules", h.CreateRule)
	admin.HandleFunc("GET /v1/rules", h.ListRules)
	admin.HandleFunc("GET /v1/rules/{id}", h.GetRule)
	admin.HandleFunc("PUT /v1/rules/{id}", h.UpdateRule)
	admin.HandleFunc("DELETE /v1/rules/{id}", h.DeleteRule)
	admin.HandleFunc("GET /v1/affinity", h.GetAffinitySettings)
	admin.HandleFunc("PUT /v1/affinity", h.UpdateAffinitySettings)

	guarded := auth.RequireAdmin(admin)
	mux.Handle("POST /v1/registry", guarded)
	mux.Handle("POST /v1/registry/{name}/unquarantine", guarded)
	mux.Handle("/v1/rules", guarded)
	mux.Handle("/v1/rules/{id}", guarded)
	mux.Handle("/v1/affinity", guarded)

	return middleware.RequestID(mux)
}
