package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-systems/switchboard/internal/connectors"
	"github.com/switchboard-systems/switchboard/internal/dispatch"
	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/handlers"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/messaging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/middleware"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/ratelimit"
	"github.com/switchboard-systems/switchboard/internal/registry"
	"github.com/switchboard-systems/switchboard/internal/repository"
	"github.com/switchboard-systems/switchboard/internal/server"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

const testJWTSecret = "handler-test-secret-long-enough-for-hs256"

type stubBus struct{}

func (stubBus) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (stubBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	return nil, nil
}
func (stubBus) Close() error { return nil }

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                        { return nil }

func newTestStack(t *testing.T, limiter ratelimit.RateLimiter) (http.Handler, *repository.InMemoryRepository, *prometheus.Registry) {
	t.Helper()

	repo := repository.NewInMemoryRepository()
	logger := logging.New(slog.LevelError, "text")
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	bus := stubBus{}

	events := eventstore.NewService(repo, logger, m)
	triageSvc := triage.NewService(repo, logger, m, true)
	affinity := triage.NewAffinityRouter(repo, repo, logger)
	reg := registry.NewService(repo, logger, m, 3)
	tracker := connectors.NewTracker(repo, logger, m)
	dispatcher := dispatch.NewDispatcher(repo, reg, events, bus, logger, m, 1, time.Second)

	h := handlers.NewHandler(events, triageSvc, affinity, reg, tracker, dispatcher, limiter, bus, logger)
	auth := middleware.NewAuthMiddleware(testJWTSecret, "")
	return server.NewRouter(h, auth, promReg), repo, promReg
}

func adminToken(t *testing.T) string {
	t.Helper()
	claims := middleware.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func testIngestEnvelope(externalID string) models.IngestEnvelope {
	return models.IngestEnvelope{
		SchemaVersion: 1,
		Source:        models.EventSource{Channel: "email", Provider: "gmail", EndpointIdentity: "inbox@acme.test"},
		Event:         models.EventIdentity{ExternalEventID: externalID, ObservedAt: time.Now().UTC()},
		Sender:        models.SenderIdentity{Identity: "alerts@chase.com"},
		Payload:       models.EventPayload{NormalizedText: "statement ready", ThreadID: "th-9"},
	}
}

func seedRouteRule(t *testing.T, repo *repository.InMemoryRepository, target string) {
	t.Helper()
	require.NoError(t, repo.CreateRule(context.Background(), &models.TriageRule{
		ID:        "rule-1",
		RuleType:  models.RuleSenderDomain,
		Condition: models.RuleCondition{Domain: ".chase.com"},
		Action:    models.Action{Kind: models.ActionRouteTo, Target: target},
		Priority:  10,
		Enabled:   true,
		CreatedBy: models.CreatedBySeed,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestIngestRoutesMatchedEvent(t *testing.T) {
	router, repo, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	seedRouteRule(t, repo, "billing")

	rec := postJSON(t, router, "/v1/events", testIngestEnvelope("msg-1"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status    string `json:"status"`
		EventID   string `json:"event_id"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.EventID)
	assert.NotEmpty(t, resp.RequestID)

	// The matched event landed in the durable routing queue.
	entries, err := repo.ScanUnprocessed(context.Background(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "billing", entries[0].Envelope.Target)
	assert.Equal(t, resp.EventID, entries[0].Envelope.EventID)
	assert.Equal(t, "th-9", entries[0].Envelope.ThreadID)
}

func metricFamilyCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func TestIngestAffinityShortCircuitsRules(t *testing.T) {
	router, repo, promReg := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	seedRouteRule(t, repo, "billing")

	require.NoError(t, repo.UpdateAffinitySettings(context.Background(), &models.ThreadAffinitySettings{
		Enabled: true, TTLDays: 7,
		Overrides: map[string]string{"th-9": "force:support"},
	}))

	rec := postJSON(t, router, "/v1/events", testIngestEnvelope("msg-aff"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries, err := repo.ScanUnprocessed(context.Background(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "support", entries[0].Envelope.Target)

	// The bound thread never reached the rule engine.
	assert.Zero(t, metricFamilyCount(t, promReg, "switchboard_triage_rule_matches_total"))
	assert.Zero(t, metricFamilyCount(t, promReg, "switchboard_triage_pass_throughs_total"))
}

func TestIngestDuplicateDoesNotRouteTwice(t *testing.T) {
	router, repo, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	seedRouteRule(t, repo, "billing")

	first := postJSON(t, router, "/v1/events", testIngestEnvelope("msg-dup"), "")
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, router, "/v1/events", testIngestEnvelope("msg-dup"), "")
	require.Equal(t, http.StatusOK, second.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Status)

	entries, err := repo.ScanUnprocessed(context.Background(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestValidationError(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})

	envelope := testIngestEnvelope("msg-2")
	envelope.Source.Channel = ""
	rec := postJSON(t, router, "/v1/events", envelope, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIngestOverloadRejected(t *testing.T) {
	router, _, _ := newTestStack(t, denyLimiter{})

	rec := postJSON(t, router, "/v1/events", testIngestEnvelope("msg-3"), "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHeartbeatAndConnectorListing(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})

	rec := postJSON(t, router, "/v1/connectors/heartbeat", models.HeartbeatRequest{
		ConnectorType:    "gmail",
		EndpointIdentity: "inbox@acme.test",
		InstanceID:       "conn-1",
		State:            "running",
		UptimeS:          120,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/connectors", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, req)
	require.Equal(t, http.StatusOK, listRec.Code)

	var resp struct {
		Connectors []struct {
			ConnectorType string `json:"connector_type"`
			Liveness      string `json:"liveness"`
		} `json:"connectors"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "gmail", resp.Connectors[0].ConnectorType)
	assert.Equal(t, "online", resp.Connectors[0].Liveness)
}

func TestHeartbeatValidation(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})

	rec := postJSON(t, router, "/v1/connectors/heartbeat", models.HeartbeatRequest{
		ConnectorType: "gmail",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRuleAdminRequiresAuth(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})

	body := models.CreateRuleRequest{
		RuleType:  models.RuleSenderDomain,
		Condition: json.RawMessage(`{"domain": ".chase.com"}`),
		Action:    "route_to:billing",
		Priority:  10,
		CreatedBy: models.CreatedByAPI,
	}

	rec := postJSON(t, router, "/v1/rules", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, router, "/v1/rules", body, adminToken(t))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRuleCreateClosedSets(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	token := adminToken(t)

	tests := []struct {
		name string
		req  models.CreateRuleRequest
	}{
		{"unknown rule type", models.CreateRuleRequest{
			RuleType: "regex_match", Action: "skip", CreatedBy: models.CreatedByAPI,
		}},
		{"unknown action", models.CreateRuleRequest{
			RuleType: models.RuleMimeType, Action: "discard", CreatedBy: models.CreatedByAPI,
		}},
		{"route_to without target", models.CreateRuleRequest{
			RuleType: models.RuleMimeType, Action: "route_to:", CreatedBy: models.CreatedByAPI,
		}},
		{"unknown created_by", models.CreateRuleRequest{
			RuleType: models.RuleMimeType, Action: "skip", CreatedBy: "robot",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, "/v1/rules", tt.req, token)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
}

func TestRuleSoftDelete(t *testing.T) {
	router, repo, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	seedRouteRule(t, repo, "billing")
	token := adminToken(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/rules/rule-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rule, err := repo.GetRule(context.Background(), "rule-1")
	require.NoError(t, err)
	assert.NotNil(t, rule.DeletedAt)
}

func TestUnquarantineEndpoint(t *testing.T) {
	router, repo, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.CreateWorker(ctx, &models.RegistryEntry{
		ID: "w-1", Name: "billing", Endpoint: "nats://workers.billing",
		RouteContractMin: 1, RouteContractMax: 2, LivenessTTLSeconds: 600,
		EligibilityState: models.WorkerActive, LastSeenAt: now, RegisteredAt: now,
	}))
	applied, err := repo.ApplyTransition(ctx, &models.EligibilityTransition{
		WorkerName: "billing", PreviousState: models.WorkerActive,
		NewState: models.WorkerQuarantined, Reason: "liveness_ttl_exceeded", ObservedAt: now,
	})
	require.NoError(t, err)
	require.True(t, applied)

	rec := postJSON(t, router, "/v1/registry/billing/unquarantine", nil, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	worker, err := repo.GetWorker(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerActive, worker.EligibilityState)
}

func TestWorkerHistoryBadRange(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/v1/registry/billing/history?from=yesterday&to=now", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAffinitySettingsRoundTrip(t *testing.T) {
	router, _, _ := newTestStack(t, &ratelimit.NoOpRateLimiter{})
	token := adminToken(t)

	payload, err := json.Marshal(models.ThreadAffinitySettings{
		Enabled: true, TTLDays: 14,
		Overrides: map[string]string{"th-1": "force:billing"},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/affinity", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/affinity", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings models.ThreadAffinitySettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.True(t, settings.Enabled)
	assert.Equal(t, 14, settings.TTLDays)
	assert.Equal(t, "force:billing", settings.Overrides["th-1"])
}
