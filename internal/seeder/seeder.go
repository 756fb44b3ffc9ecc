package seeder

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

// RuleFixture is one triage rule in a YAML fixture file.
type RuleFixture struct {
	RuleType  string           `yaml:"rule_type"`
	Condition ConditionFixture `yaml:"condition"`
	Action    string           `yaml:"action"`
	Priority  int              `yaml:"priority"`
	Enabled   *bool            `yaml:"enabled,omitempty"`
}

// ConditionFixture mirrors the rule condition document in YAML form.
type ConditionFixture struct {
	Domain   string `yaml:"domain,omitempty"`
	Match    string `yaml:"match,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Contains string `yaml:"contains,omitempty"`
	Header   string `yaml:"header,omitempty"`
	Value    string `yaml:"value,omitempty"`
	MimeType string `yaml:"mime_type,omitempty"`
}

type fixtureFile struct {
	Rules []RuleFixture `yaml:"rules"`
}

// LoadRuleFixtures reads and validates a YAML rule fixture file. Every rule
// gets provenance created_by=seed.
func LoadRuleFixtures(path string) ([]*models.TriageRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fixture file: %w", err)
	}
	return buildRules(file.Rules)
}

func buildRules(fixtures []RuleFixture) ([]*models.TriageRule, error) {
	rules := make([]*models.TriageRule, 0, len(fixtures))
	for i, f := range fixtures {
		ruleType := models.RuleType(f.RuleType)
		if !ruleType.IsValid() {
			return nil, fmt.Errorf("fixture %d: unknown rule_type %q", i, f.RuleType)
		}
		action, err := models.ParseAction(f.Action)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}

		enabled := true
		if f.Enabled != nil {
			enabled = *f.Enabled
		}
		rules = append(rules, &models.TriageRule{
			ID:       id.String(),
			RuleType: ruleType,
			Condition: models.RuleCondition{
				Domain:   f.Condition.Domain,
				Match:    f.Condition.Match,
				Address:  f.Condition.Address,
				Contains: f.Condition.Contains,
				Header:   f.Condition.Header,
				Value:    f.Condition.Value,
				MimeType: f.Condition.MimeType,
			},
			Action:    action,
			Priority:  f.Priority,
			Enabled:   enabled,
			CreatedBy: models.CreatedBySeed,
			CreatedAt: time.Now().UTC(),
		})
	}
	return rules, nil
}

// DefaultRules is the built-in demo rule set used when no fixture file is
// given.
func DefaultRules() ([]*models.TriageRule, error) {
	return buildRules([]RuleFixture{
		{RuleType: "sender_domain", Condition: ConditionFixture{Domain: ".chase.com"}, Action: "route_to:finance", Priority: 10},
		{RuleType: "sender_domain", Condition: ConditionFixture{Domain: "noreply.github.com"}, Action: "metadata_only", Priority: 20},
		{RuleType: "header_condition", Condition: ConditionFixture{Header: "List-Unsubscribe"}, Action: "low_priority_queue", Priority: 30},
		{RuleType: "mime_type", Condition: ConditionFixture{MimeType: "multipart/report"}, Action: "skip", Priority: 40},
	})
}

// Runner seeds demo data through the real service layer so seeded rows obey
// the same validation and dedupe paths as production traffic.
type Runner struct {
	triage *triage.Service
	events *eventstore.Service
	logger *logging.Logger
}

func NewRunner(triageSvc *triage.Service, events *eventstore.Service, logger *logging.Logger) *Runner {
	return &Runner{triage: triageSvc, events: events, logger: logger}
}

// SeedRules loads rules from path (or the built-in set when path is empty)
// and creates them. Returns the number created.
func (r *Runner) SeedRules(ctx context.Context, path string) (int, error) {
	var rules []*models.TriageRule
	var err error
	if path == "" {
		rules, err = DefaultRules()
	} else {
		rules, err = LoadRuleFixtures(path)
	}
	if err != nil {
		return 0, err
	}

	for _, rule := range rules {
		if err := r.triage.CreateRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("failed to create rule %s: %w", rule.ID, err)
		}
	}
	r.logger.InfoContext(ctx, "seeded triage rules", "count", len(rules))
	return len(rules), nil
}

// SeedEvents ingests count synthetic envelopes. Duplicates are impossible
// because every envelope gets a fresh external event id.
func (r *Runner) SeedEvents(ctx context.Context, count int) (int, error) {
	accepted := 0
	for i := 0; i < count; i++ {
		result, err := r.events.Ingest(ctx, demoEnvelope())
		if err != nil {
			return accepted, fmt.Errorf("failed to ingest demo envelope: %w", err)
		}
		if result.Status == models.IngestAccepted {
			accepted++
		}
	}
	r.logger.InfoContext(ctx, "seeded demo events", "accepted", accepted)
	return accepted, nil
}

func demoEnvelope() *models.IngestEnvelope {
	sender := gofakeit.Email()
	return &models.IngestEnvelope{
		SchemaVersion: 1,
		Source: models.EventSource{
			Channel:          "email",
			Provider:         "gmail",
			EndpointIdentity: "demo-inbox@switchboard.test",
		},
		Event: models.EventIdentity{
			ExternalEventID: gofakeit.UUID(),
			ObservedAt:      time.Now().UTC(),
		},
		Sender: models.SenderIdentity{Identity: sender},
		Payload: models.EventPayload{
			NormalizedText: gofakeit.Sentence(12),
			ThreadID:       fmt.Sprintf("th-%d", gofakeit.Number(1, 50)),
			MimeType:       "text/plain",
			Headers: map[string]string{
				"From":    sender,
				"Subject": gofakeit.Sentence(5),
			},
		},
	}
}
