package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/switchboard-systems/switchboard/internal/database"
	"github.com/switchboard-systems/switchboard/internal/models"
)

func (r *PostgresRepository) CreateWorker(ctx context.Context, entry *models.RegistryEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO registry_workers
		(id, name, endpoint, description, capabilities,
		 route_contract_min, route_contract_max, eligibility_state,
		 liveness_ttl_seconds, last_seen_at, eligibility_updated_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.Name,
		entry.Endpoint,
		entry.Description,
		entry.Capabilities,
		entry.RouteContractMin,
		entry.RouteContractMax,
		entry.EligibilityState,
		entry.LivenessTTLSeconds,
		entry.LastSeenAt,
		entry.EligibilityUpdatedAt,
		entry.RegisteredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrWorkerExists
		}
		return fmt.Errorf("failed to create worker: %w", err)
	}

	return nil
}

const workerColumns = `
	id, name, endpoint, description, capabilities,
	route_contract_min, route_contract_max, eligibility_state,
	liveness_ttl_seconds, quarantined_at, quarantine_reason,
	last_seen_at, eligibility_updated_at, registered_at
`

func (r *PostgresRepository) GetWorker(ctx context.Context, name string) (*models.RegistryEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM registry_workers WHERE name = $1`, name)
	return scanWorker(row)
}

func (r *PostgresRepository) ListWorkers(ctx context.Context) ([]*models.RegistryEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+workerColumns+` FROM registry_workers ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.RegistryEntry
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}

	return workers, nil
}

func scanWorker(row pgx.Row) (*models.RegistryEntry, error) {
	var entry models.RegistryEntry
	var quarantineReason *string

	err := row.Scan(
		&entry.ID,
		&entry.Name,
		&entry.Endpoint,
		&entry.Description,
		&entry.Capabilities,
		&entry.RouteContractMin,
		&entry.RouteContractMax,
		&entry.EligibilityState,
		&entry.LivenessTTLSeconds,
		&entry.QuarantinedAt,
		&quarantineReason,
		&entry.LastSeenAt,
		&entry.EligibilityUpdatedAt,
		&entry.RegisteredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	if quarantineReason != nil {
		entry.QuarantineReason = *quarantineReason
	}

	return &entry, nil
}

func (r *PostgresRepository) RefreshLastSeen(ctx context.Context, name string, seenAt time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	result, err := r.pool.Exec(ctx,
		`UPDATE registry_workers SET last_seen_at = $2 WHERE name = $1`, name, seenAt)
	if err != nil {
		return fmt.Errorf("failed to refresh last seen: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}

	return nil
}

// ApplyTransition advances the worker's eligibility state and appends the
// audit row in one transaction. The conditional UPDATE makes concurrent
// sweeps single-winner: the loser sees zero rows affected and writes nothing.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, t *models.EligibilityTransition) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var quarantinedAt *time.Time
	var quarantineReason *string
	if t.NewState == models.WorkerQuarantined {
		quarantinedAt = &t.ObservedAt
		quarantineReason = &t.Reason
	}

	update := `
		UPDATE registry_workers
		SET eligibility_state = $3,
		    eligibility_updated_at = $4,
		    last_seen_at = $5,
		    quarantined_at = $6,
		    quarantine_reason = $7
		WHERE name = $1 AND eligibility_state = $2
	`

	result, err := tx.Exec(ctx, update,
		t.WorkerName, t.PreviousState, t.NewState,
		t.ObservedAt, t.NewSeenAt, quarantinedAt, quarantineReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition worker: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if t.ID == "" {
		id, _ := uuid.NewV7()
		t.ID = id.String()
	}

	insert := `
		INSERT INTO eligibility_transitions
		(id, worker_name, previous_state, new_state, reason,
		 previous_seen_at, new_seen_at, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, insert,
		t.ID, t.WorkerName, t.PreviousState, t.NewState, t.Reason,
		t.PreviousSeenAt, t.NewSeenAt, t.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append eligibility transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}

	return true, nil
}

const transitionColumns = `
	id, worker_name, previous_state, new_state, reason,
	previous_seen_at, new_seen_at, observed_at
`

func (r *PostgresRepository) ListTransitions(ctx context.Context, worker string, from, to time.Time) ([]*models.EligibilityTransition, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + transitionColumns + `
		FROM eligibility_transitions
		WHERE worker_name = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at ASC
	`

	rows, err := r.pool.Query(ctx, query, worker, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*models.EligibilityTransition
	for rows.Next() {
		var t models.EligibilityTransition
		if err := rows.Scan(
			&t.ID, &t.WorkerName, &t.PreviousState, &t.NewState, &t.Reason,
			&t.PreviousSeenAt, &t.NewSeenAt, &t.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}

	return transitions, nil
}

func (r *PostgresRepository) LastTransitionBefore(ctx context.Context, worker string, before time.Time) (*models.EligibilityTransition, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + transitionColumns + `
		FROM eligibility_transitions
		WHERE worker_name = $1 AND observed_at < $2
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var t models.EligibilityTransition
	err := r.pool.QueryRow(ctx, query, worker, before).Scan(
		&t.ID, &t.WorkerName, &t.PreviousState, &t.NewState, &t.Reason,
		&t.PreviousSeenAt, &t.NewSeenAt, &t.ObservedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last transition: %w", err)
	}

	return &t, nil
}
