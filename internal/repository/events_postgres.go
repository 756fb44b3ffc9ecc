package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/switchboard-systems/switchboard/internal/database"
	"github.com/switchboard-systems/switchboard/internal/models"
)

// InsertEvent inserts the event unless its dedupe key already exists.
// The key is claimed first in event_dedupe with ON CONFLICT DO NOTHING;
// inbound_events itself is range-partitioned, so it cannot carry the global
// unique constraint. A duplicate attempt loses the claim and writes nothing.
func (r *PostgresRepository) InsertEvent(ctx context.Context, event *models.InboundEvent) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	attachmentsJSON, rawJSON, err := marshalEventPayload(event)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claim := `
		INSERT INTO event_dedupe (dedupe_key, event_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key) DO NOTHING
	`

	result, err := tx.Exec(ctx, claim, event.DedupeKey, event.ID, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim dedupe key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	insert := `
		INSERT INTO inbound_events
		(id, dedupe_key, source_channel, provider, endpoint_identity,
		 external_event_id, observed_at, sender_identity, normalized_text,
		 attachments, raw_payload, lifecycle_state, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = tx.Exec(ctx, insert,
		event.ID,
		event.DedupeKey,
		event.SourceChannel,
		event.Provider,
		event.EndpointIdentity,
		event.ExternalEventID,
		event.ObservedAt,
		event.SenderIdentity,
		event.NormalizedText,
		attachmentsJSON,
		rawJSON,
		event.LifecycleState,
		event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event insert: %w", err)
	}

	return true, nil
}

func marshalEventPayload(event *models.InboundEvent) ([]byte, []byte, error) {
	var attachmentsJSON []byte
	if len(event.Attachments) > 0 {
		b, err := json.Marshal(event.Attachments)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachmentsJSON = b
	}

	var rawJSON []byte
	if event.RawPayload != nil {
		b, err := json.Marshal(event.RawPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal raw payload: %w", err)
		}
		rawJSON = b
	}

	return attachmentsJSON, rawJSON, nil
}

const eventColumns = `
	id, dedupe_key, source_channel, provider, endpoint_identity,
	external_event_id, observed_at, sender_identity, normalized_text,
	attachments, raw_payload, lifecycle_state, processing_metadata,
	response_summary, received_at
`

func (r *PostgresRepository) GetEvent(ctx context.Context, id string) (*models.InboundEvent, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM inbound_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (r *PostgresRepository) GetEventByDedupeKey(ctx context.Context, key string) (*models.InboundEvent, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM inbound_events WHERE dedupe_key = $1`, key)
	return scanEvent(row)
}

func scanEvent(row pgx.Row) (*models.InboundEvent, error) {
	var event models.InboundEvent
	var attachmentsJSON, rawJSON, metadataJSON []byte
	var responseSummary *string

	err := row.Scan(
		&event.ID,
		&event.DedupeKey,
		&event.SourceChannel,
		&event.Provider,
		&event.EndpointIdentity,
		&event.ExternalEventID,
		&event.ObservedAt,
		&event.SenderIdentity,
		&event.NormalizedText,
		&attachmentsJSON,
		&rawJSON,
		&event.LifecycleState,
		&metadataJSON,
		&responseSummary,
		&event.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &event.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &event.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw payload: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.ProcessingMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal processing metadata: %w", err)
		}
	}
	if responseSummary != nil {
		event.ResponseSummary = *responseSummary
	}

	return &event, nil
}

// TransitionEvent advances lifecycle_state with the conditional-update
// pattern: two concurrent attempts on the same row produce exactly one winner.
func (r *PostgresRepository) TransitionEvent(ctx context.Context, id string, from, to models.EventState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE inbound_events
		SET lifecycle_state = $3
		WHERE id = $1 AND lifecycle_state = $2
	`

	result, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition event: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race / illegal state.
		if _, err := r.GetEvent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: event %s not in state %s", ErrInvalidTransition, id, from)
	}

	return nil
}

func (r *PostgresRepository) SetEventOutcome(ctx context.Context, id string, metadata map[string]interface{}, summary string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var metadataJSON []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal processing metadata: %w", err)
		}
		metadataJSON = b
	}

	query := `
		UPDATE inbound_events
		SET processing_metadata = $2, response_summary = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, metadataJSON, summary)
	if err != nil {
		return fmt.Errorf("failed to set event outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrEventNotFound
	}

	return nil
}

// EnsureEventPartition creates the monthly partition covering ref if missing.
// Safe to run concurrently from multiple instances.
func (r *PostgresRepository) EnsureEventPartition(ctx context.Context, ref time.Time) error {
	return r.ensurePartition(ctx, "inbound_events", ref)
}

// DropExpiredEventPartitions drops whole monthly partitions entirely older
// than the retention window. Row-by-row deletes are never used for event
// data; only the small dedupe claims for the dropped window are purged so
// the claim table does not grow without bound.
func (r *PostgresRepository) DropExpiredEventPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error) {
	dropped, err := r.dropExpiredPartitions(ctx, "inbound_events", retention, ref)
	if err != nil {
		return dropped, err
	}

	if dropped > 0 {
		ctx, cancel := database.MaintenanceContext(ctx)
		defer cancel()

		cutoff := monthStart(ref.Add(-retention))
		if _, err := r.pool.Exec(ctx,
			`DELETE FROM event_dedupe WHERE received_at < $1`, cutoff); err != nil {
			return dropped, fmt.Errorf("failed to purge expired dedupe claims: %w", err)
		}
	}

	return dropped, nil
}

func (r *PostgresRepository) ensurePartition(ctx context.Context, parent string, ref time.Time) error {
	ctx, cancel := database.MaintenanceContext(ctx)
	defer cancel()

	start := monthStart(ref)
	end := start.AddDate(0, 1, 0)
	name := partitionName(parent, start)

	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, parent,
		start.Format("2006-01-02"), end.Format("2006-01-02"),
	)

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure partition %s: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) dropExpiredPartitions(ctx context.Context, parent string, retention time.Duration, ref time.Time) (int, error) {
	ctx, cancel := database.MaintenanceContext(ctx)
	defer cancel()

	query := `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname
	`

	rows, err := r.pool.Query(ctx, query, parent)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions of %s: %w", parent, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, fmt.Errorf("failed to scan partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate partitions: %w", err)
	}

	cutoff := monthStart(ref.Add(-retention))
	dropped := 0
	for _, name := range names {
		period, err := time.Parse("200601", name[len(parent)+1:])
		if err != nil {
			continue // non-monthly partition, leave it alone
		}
		// Drop only partitions whose entire month precedes the cutoff.
		if period.AddDate(0, 1, 0).After(cutoff) {
			continue
		}
		if _, err := r.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
		}
		dropped++
	}

	return dropped, nil
}
