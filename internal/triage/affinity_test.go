package triage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

func newAffinityRouter(t *testing.T) (*AffinityRouter, *repository.InMemoryRepository, time.Time) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	router := NewAffinityRouter(repo, repo, logging.New(slog.LevelError, "text"))

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	router.now = func() time.Time { return now }
	return router, repo, now
}

func enableAffinity(t *testing.T, repo *repository.InMemoryRepository, ttlDays int, overrides map[string]string) {
	t.Helper()
	require.NoError(t, repo.UpdateAffinitySettings(context.Background(), &models.ThreadAffinitySettings{
		Enabled: true, TTLDays: ttlDays, Overrides: overrides,
	}))
}

func logRoute(t *testing.T, repo *repository.InMemoryRepository, id, target, threadID, channel string, success bool, at time.Time) {
	t.Helper()
	require.NoError(t, repo.AppendRoutingLog(context.Background(), &models.RoutingLogEntry{
		ID: id, SourceWorker: "triage", TargetWorker: target, Tool: "handle_event",
		Success: success, ThreadID: threadID, SourceChannel: channel, CreatedAt: at,
	}))
}

func TestResolveFollowsRecentRoute(t *testing.T) {
	router, repo, now := newAffinityRouter(t)
	enableAffinity(t, repo, 30, nil)
	logRoute(t, repo, "l-1", "billing", "th-1", "email", true, now.Add(-24*time.Hour))

	target, ok, err := router.Resolve(context.Background(), "th-1", "email")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "billing", target)
}

func TestResolveTTLExpiry(t *testing.T) {
	router, repo, now := newAffinityRouter(t)
	enableAffinity(t, repo, 30, nil)
	logRoute(t, repo, "l-1", "billing", "th-1", "email", true, now.Add(-31*24*time.Hour))

	_, ok, err := router.Resolve(context.Background(), "th-1", "email")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveIgnoresFailuresAndOtherChannels(t *testing.T) {
	router, repo, now := newAffinityRouter(t)
	enableAffinity(t, repo, 30, nil)
	logRoute(t, repo, "l-1", "fraud", "th-1", "email", false, now.Add(-time.Hour))
	logRoute(t, repo, "l-2", "support", "th-1", "sms", true, now.Add(-time.Hour))

	_, ok, err := router.Resolve(context.Background(), "th-1", "email")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveOverrides(t *testing.T) {
	router, repo, now := newAffinityRouter(t)
	enableAffinity(t, repo, 30, map[string]string{
		"th-pinned":  "force:escalations",
		"th-opted":   "disabled",
		"th-garbage": "force:",
		"th-history": "disabled",
	})
	// History exists but the disabled override wins.
	logRoute(t, repo, "l-1", "billing", "th-opted", "email", true, now.Add(-time.Hour))
	logRoute(t, repo, "l-2", "billing", "th-history", "email", true, now.Add(-time.Hour))

	target, ok, err := router.Resolve(context.Background(), "th-pinned", "email")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "escalations", target)

	_, ok, err = router.Resolve(context.Background(), "th-opted", "email")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = router.Resolve(context.Background(), "th-history", "email")
	require.NoError(t, err)
	assert.False(t, ok)

	// Malformed override is ignored; history applies (there is none).
	_, ok, err = router.Resolve(context.Background(), "th-garbage", "email")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveDisabledGlobally(t *testing.T) {
	router, repo, now := newAffinityRouter(t)
	require.NoError(t, repo.UpdateAffinitySettings(context.Background(), &models.ThreadAffinitySettings{
		Enabled: false, TTLDays: 30,
	}))
	logRoute(t, repo, "l-1", "billing", "th-1", "email", true, now.Add(-time.Hour))

	_, ok, err := router.Resolve(context.Background(), "th-1", "email")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveEmptyThreadID(t *testing.T) {
	router, repo, _ := newAffinityRouter(t)
	enableAffinity(t, repo, 30, nil)

	_, ok, err := router.Resolve(context.Background(), "", "email")
	require.NoError(t, err)
	assert.False(t, ok)
}
