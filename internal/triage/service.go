package triage

import (
	"context"
	"time"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// Service decides what happens to each accepted event. It is deliberately
// fail-open: a broken rule store must never stop mail from flowing, so every
// load failure degrades to pass-through instead of an error to the caller.
type Service struct {
	rules   repository.RuleRepository
	logger  *logging.Logger
	metrics *metrics.Metrics
	enabled bool
}

func NewService(rules repository.RuleRepository, logger *logging.Logger, m *metrics.Metrics, enabled bool) *Service {
	return &Service{rules: rules, logger: logger, metrics: m, enabled: enabled}
}

// Evaluate runs the envelope through the rule set and returns the decision.
// The error return is always nil today; it stays in the signature so callers
// do not change when a fail-closed mode is introduced.
func (s *Service) Evaluate(ctx context.Context, envelope *models.IngestEnvelope) (*models.Decision, error) {
	start := time.Now()
	channel := envelope.Source.Channel

	if !s.enabled {
		return s.passThrough(channel, models.PassRulesDisabled, metrics.ResultPassThrough, start), nil
	}

	rules, err := s.rules.ListEnabledRules(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "rule store unavailable, passing through", "error", err)
		return s.passThrough(channel, models.PassCacheUnavailable, metrics.ResultError, start), nil
	}

	matched := FirstMatch(rules, envelope)
	if matched == nil {
		return s.passThrough(channel, models.PassNoMatch, metrics.ResultPassThrough, start), nil
	}

	s.metrics.RuleMatchesTotal.WithLabelValues(
		string(matched.RuleType), matched.Action.Label(), channel).Inc()
	s.metrics.EvaluationDuration.WithLabelValues(metrics.ResultMatched).
		Observe(time.Since(start).Seconds())

	s.logger.DebugContext(ctx, "rule matched",
		"rule_id", matched.ID, "rule_type", matched.RuleType, "action", matched.Action.Label())

	return &models.Decision{
		MatchedRule:   matched,
		Action:        matched.Action,
		SourceChannel: channel,
	}, nil
}

// passThrough records the non-match outcome. result distinguishes a clean
// pass-through from one forced by a rule-store failure.
func (s *Service) passThrough(channel string, reason models.PassReason, result string, start time.Time) *models.Decision {
	s.metrics.PassThroughsTotal.WithLabelValues(channel, string(reason)).Inc()
	s.metrics.EvaluationDuration.WithLabelValues(result).
		Observe(time.Since(start).Seconds())

	return &models.Decision{
		Action:        models.Action{Kind: models.ActionPassThrough},
		SourceChannel: channel,
		PassReason:    reason,
	}
}

// Rule admin operations, thin over the repository.

func (s *Service) CreateRule(ctx context.Context, rule *models.TriageRule) error {
	return s.rules.CreateRule(ctx, rule)
}

func (s *Service) GetRule(ctx context.Context, id string) (*models.TriageRule, error) {
	return s.rules.GetRule(ctx, id)
}

func (s *Service) UpdateRule(ctx context.Context, rule *models.TriageRule) error {
	return s.rules.UpdateRule(ctx, rule)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.rules.SoftDeleteRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, includeDeleted bool) ([]*models.TriageRule, error) {
	return s.rules.ListRules(ctx, includeDeleted)
}
