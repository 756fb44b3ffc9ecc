package seeder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

func newTestRunner(t *testing.T) (*Runner, *repository.InMemoryRepository) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	logger := logging.New(slog.LevelError, "text")
	m := metrics.New(prometheus.NewRegistry())
	triageSvc := triage.NewService(repo, logger, m, true)
	events := eventstore.NewService(repo, logger, m)
	return NewRunner(triageSvc, events, logger), repo
}

func TestLoadRuleFixtures(t *testing.T) {
	fixture := `rules:
  - rule_type: sender_domain
    condition:
      domain: .chase.com
    action: route_to:finance
    priority: 10
  - rule_type: header_condition
    condition:
      header: List-Unsubscribe
    action: low_priority_queue
    priority: 30
    enabled: false
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	rules, err := LoadRuleFixtures(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, models.RuleSenderDomain, rules[0].RuleType)
	assert.Equal(t, ".chase.com", rules[0].Condition.Domain)
	assert.Equal(t, models.ActionRouteTo, rules[0].Action.Kind)
	assert.Equal(t, "finance", rules[0].Action.Target)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, models.CreatedBySeed, rules[0].CreatedBy)

	assert.Equal(t, models.RuleHeaderCondition, rules[1].RuleType)
	assert.False(t, rules[1].Enabled)
}

func TestLoadRuleFixturesRejectsBadAction(t *testing.T) {
	fixture := `rules:
  - rule_type: sender_domain
    condition:
      domain: chase.com
    action: discard
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	_, err := LoadRuleFixtures(path)
	assert.Error(t, err)
}

func TestSeedRulesDefaults(t *testing.T) {
	runner, repo := newTestRunner(t)

	count, err := runner.SeedRules(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rules, err := repo.ListEnabledRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 4)
	for _, rule := range rules {
		assert.Equal(t, models.CreatedBySeed, rule.CreatedBy)
	}
}

func TestSeedEvents(t *testing.T) {
	runner, _ := newTestRunner(t)

	accepted, err := runner.SeedEvents(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, accepted)
}
