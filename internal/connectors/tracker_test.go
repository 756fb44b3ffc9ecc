package connectors

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

func newTestTracker(t *testing.T) (*Tracker, *repository.InMemoryRepository, *time.Time) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	tracker := NewTracker(repo, logging.New(slog.LevelError, "text"), metrics.New(prometheus.NewRegistry()))

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, repo, &now
}

func TestDeriveLivenessBoundaries(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	at := func(age time.Duration) *time.Time {
		ts := now.Add(-age)
		return &ts
	}

	tests := []struct {
		name string
		last *time.Time
		want models.Liveness
	}{
		{"never reported", nil, models.ConnectorOffline},
		{"fresh", at(10 * time.Second), models.ConnectorOnline},
		{"just under online boundary", at(299 * time.Second), models.ConnectorOnline},
		{"exactly at online boundary", at(300 * time.Second), models.ConnectorOnline},
		{"just over online boundary", at(301 * time.Second), models.ConnectorStale},
		{"just under stale boundary", at(899 * time.Second), models.ConnectorStale},
		{"exactly at stale boundary", at(900 * time.Second), models.ConnectorStale},
		{"just over stale boundary", at(901 * time.Second), models.ConnectorOffline},
		{"long gone", at(24 * time.Hour), models.ConnectorOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveLiveness(tt.last, now))
		})
	}
}

func TestHeartbeatUpsertsAndAppends(t *testing.T) {
	tracker, repo, now := newTestTracker(t)
	ctx := context.Background()

	req := &models.HeartbeatRequest{
		ConnectorType:    "gmail",
		EndpointIdentity: "support@example.com",
		InstanceID:       "inst-1",
		State:            "running",
		UptimeS:          120,
		Counters:         models.ConnectorCounters{MessagesIngested: 10, SourceAPICalls: 42},
	}
	require.NoError(t, tracker.Heartbeat(ctx, req))

	// Later heartbeat reports higher cumulative counters.
	*now = now.Add(time.Minute)
	req2 := *req
	req2.UptimeS = 180
	req2.Counters = models.ConnectorCounters{MessagesIngested: 25, SourceAPICalls: 90}
	require.NoError(t, tracker.Heartbeat(ctx, &req2))

	reg, err := repo.GetConnector(ctx, "gmail", "support@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(25), reg.Counters.MessagesIngested)
	assert.Equal(t, int64(90), reg.Counters.SourceAPICalls)
	assert.Equal(t, int64(180), reg.UptimeS)
	require.NotNil(t, reg.LastHeartbeatAt)
	assert.Equal(t, *now, *reg.LastHeartbeatAt)

	records, err := repo.ListHeartbeats(ctx, "gmail", "support@example.com",
		now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestHeartbeatValidation(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	err := tracker.Heartbeat(ctx, &models.HeartbeatRequest{EndpointIdentity: "x"})
	assert.ErrorContains(t, err, "connector_type")

	err = tracker.Heartbeat(ctx, &models.HeartbeatRequest{ConnectorType: "gmail"})
	assert.ErrorContains(t, err, "endpoint_identity")
}

func TestListDerivesLiveness(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, &models.HeartbeatRequest{
		ConnectorType: "gmail", EndpointIdentity: "fresh@example.com", State: "running",
	}))

	*now = now.Add(10 * time.Minute)
	require.NoError(t, tracker.Heartbeat(ctx, &models.HeartbeatRequest{
		ConnectorType: "slack", EndpointIdentity: "workspace-1", State: "running",
	}))

	*now = now.Add(4 * time.Minute) // gmail age 14m, slack age 4m

	statuses, err := tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byIdentity := map[string]models.Liveness{}
	for _, s := range statuses {
		byIdentity[s.EndpointIdentity] = s.Liveness
	}
	assert.Equal(t, models.ConnectorStale, byIdentity["fresh@example.com"])
	assert.Equal(t, models.ConnectorOnline, byIdentity["workspace-1"])
}
