package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/switchboard-systems/switchboard/internal/database"
	"github.com/switchboard-systems/switchboard/internal/models"
)

func (r *PostgresRepository) CreateRule(ctx context.Context, rule *models.TriageRule) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal rule condition: %w", err)
	}

	query := `
		INSERT INTO triage_rules
		(id, rule_type, condition, action, priority, enabled, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.pool.Exec(ctx, query,
		rule.ID,
		rule.RuleType,
		conditionJSON,
		rule.Action.String(),
		rule.Priority,
		rule.Enabled,
		rule.CreatedBy,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

const ruleColumns = `id, rule_type, condition, action, priority, enabled, created_by, created_at, deleted_at`

func (r *PostgresRepository) GetRule(ctx context.Context, id string) (*models.TriageRule, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM triage_rules WHERE id = $1`, id)
	return scanRule(row)
}

func scanRule(row pgx.Row) (*models.TriageRule, error) {
	var rule models.TriageRule
	var conditionJSON []byte
	var action string

	err := row.Scan(
		&rule.ID,
		&rule.RuleType,
		&conditionJSON,
		&action,
		&rule.Priority,
		&rule.Enabled,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule condition: %w", err)
	}

	// Actions are parsed once here, at the store boundary.
	rule.Action, err = models.ParseAction(action)
	if err != nil {
		return nil, fmt.Errorf("stored rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

func (r *PostgresRepository) UpdateRule(ctx context.Context, rule *models.TriageRule) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal rule condition: %w", err)
	}

	query := `
		UPDATE triage_rules
		SET condition = $2, action = $3, priority = $4, enabled = $5
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query,
		rule.ID, conditionJSON, rule.Action.String(), rule.Priority, rule.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	return nil
}

func (r *PostgresRepository) SoftDeleteRule(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE triage_rules
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}

	return nil
}

func (r *PostgresRepository) ListRules(ctx context.Context, includeDeleted bool) ([]*models.TriageRule, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `SELECT ` + ruleColumns + ` FROM triage_rules`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	return r.queryRules(ctx, query)
}

// ListEnabledRules returns the evaluation set in its fully deterministic
// order: priority, then insertion time, then id.
func (r *PostgresRepository) ListEnabledRules(ctx context.Context) ([]*models.TriageRule, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + ruleColumns + `
		FROM triage_rules
		WHERE enabled = TRUE AND deleted_at IS NULL
		ORDER BY priority ASC, created_at ASC, id ASC
	`

	return r.queryRules(ctx, query)
}

func (r *PostgresRepository) queryRules(ctx context.Context, query string) ([]*models.TriageRule, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.TriageRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}

	return rules, nil
}

// GetAffinitySettings reads the singleton thread-affinity row.
func (r *PostgresRepository) GetAffinitySettings(ctx context.Context) (*models.ThreadAffinitySettings, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT enabled, ttl_days, overrides, updated_at
		FROM thread_affinity_settings
		WHERE id = 1
	`

	var settings models.ThreadAffinitySettings
	var overridesJSON []byte

	err := r.pool.QueryRow(ctx, query).Scan(
		&settings.Enabled, &settings.TTLDays, &overridesJSON, &settings.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Seeded by migration; treat absence as disabled.
			return &models.ThreadAffinitySettings{}, nil
		}
		return nil, fmt.Errorf("failed to get affinity settings: %w", err)
	}

	if len(overridesJSON) > 0 {
		if err := json.Unmarshal(overridesJSON, &settings.Overrides); err != nil {
			return nil, fmt.Errorf("failed to unmarshal affinity overrides: %w", err)
		}
	}

	return &settings, nil
}

func (r *PostgresRepository) UpdateAffinitySettings(ctx context.Context, settings *models.ThreadAffinitySettings) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	overridesJSON, err := json.Marshal(settings.Overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal affinity overrides: %w", err)
	}

	query := `
		INSERT INTO thread_affinity_settings (id, enabled, ttl_days, overrides, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET enabled = $1, ttl_days = $2, overrides = $3, updated_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, settings.Enabled, settings.TTLDays, overridesJSON); err != nil {
		return fmt.Errorf("failed to update affinity settings: %w", err)
	}

	return nil
}
