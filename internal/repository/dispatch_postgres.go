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

func (r *PostgresRepository) InsertInboxEntry(ctx context.Context, entry *models.RouteInboxEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	envelopeJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal routing envelope: %w", err)
	}

	query := `
		INSERT INTO route_inbox
		(id, envelope, lifecycle_state, received_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err = r.pool.Exec(ctx, query, entry.ID, envelopeJSON, entry.LifecycleState, entry.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert inbox entry: %w", err)
	}

	return nil
}

const inboxColumns = `id, envelope, lifecycle_state, received_at, processed_at, session_id, error`

func (r *PostgresRepository) GetInboxEntry(ctx context.Context, id string) (*models.RouteInboxEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+inboxColumns+` FROM route_inbox WHERE id = $1`, id)
	return scanInboxEntry(row)
}

func scanInboxEntry(row pgx.Row) (*models.RouteInboxEntry, error) {
	var entry models.RouteInboxEntry
	var envelopeJSON []byte
	var sessionID, errText *string

	err := row.Scan(
		&entry.ID,
		&envelopeJSON,
		&entry.LifecycleState,
		&entry.ReceivedAt,
		&entry.ProcessedAt,
		&sessionID,
		&errText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInboxEntryNotFound
		}
		return nil, fmt.Errorf("failed to get inbox entry: %w", err)
	}

	if err := json.Unmarshal(envelopeJSON, &entry.Envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing envelope: %w", err)
	}
	if sessionID != nil {
		entry.SessionID = *sessionID
	}
	if errText != nil {
		entry.Error = *errText
	}

	return &entry, nil
}

// ClaimInboxEntry moves the entry into processing with a conditional update.
// A concurrent worker or recovery sweep claiming the same entry loses the
// race and sees false.
func (r *PostgresRepository) ClaimInboxEntry(ctx context.Context, id string, from models.QueueState) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE route_inbox
		SET lifecycle_state = $3
		WHERE id = $1 AND lifecycle_state = $2
	`

	result, err := r.pool.Exec(ctx, query, id, from, models.QueueProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to claim inbox entry: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CompleteInboxEntry(ctx context.Context, id, sessionID string, processedAt time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE route_inbox
		SET lifecycle_state = $2, session_id = $3, processed_at = $4
		WHERE id = $1 AND lifecycle_state = $5
	`

	result, err := r.pool.Exec(ctx, query, id, models.QueueProcessed, sessionID, processedAt, models.QueueProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete inbox entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s not in processing state", ErrInvalidTransition, id)
	}

	return nil
}

func (r *PostgresRepository) FailInboxEntry(ctx context.Context, id, errText string, processedAt time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE route_inbox
		SET lifecycle_state = $2, error = $3, processed_at = $4
		WHERE id = $1 AND lifecycle_state = $5
	`

	result, err := r.pool.Exec(ctx, query, id, models.QueueErrored, errText, processedAt, models.QueueProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail inbox entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s not in processing state", ErrInvalidTransition, id)
	}

	return nil
}

// ScanUnprocessed returns entries left in accepted or processing older than
// olderThan. Both states are scanned: an ungraceful shutdown can leave an
// entry mid-flight in processing with no task left to complete it.
func (r *PostgresRepository) ScanUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*models.RouteInboxEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + inboxColumns + `
		FROM route_inbox
		WHERE lifecycle_state IN ($1, $2) AND received_at < $3
		ORDER BY received_at ASC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, models.QueueAccepted, models.QueueProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan unprocessed entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.RouteInboxEntry
	for rows.Next() {
		entry, err := scanInboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unprocessed entries: %w", err)
	}

	return entries, nil
}

func (r *PostgresRepository) AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO routing_log
		(id, source_worker, target_worker, tool, success, duration_ms,
		 error, thread_id, source_channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.SourceWorker,
		entry.TargetWorker,
		entry.Tool,
		entry.Success,
		entry.Duration.Milliseconds(),
		entry.Error,
		entry.ThreadID,
		entry.SourceChannel,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append routing log: %w", err)
	}

	return nil
}

const routingLogColumns = `
	id, source_worker, target_worker, tool, success, duration_ms,
	error, thread_id, source_channel, created_at
`

// LatestRouteForThread returns the newest successful handoff for the thread
// on the given channel at or after since, used for sticky thread affinity.
func (r *PostgresRepository) LatestRouteForThread(ctx context.Context, threadID, sourceChannel string, since time.Time) (*models.RoutingLogEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + routingLogColumns + `
		FROM routing_log
		WHERE thread_id = $1 AND source_channel = $2 AND success = TRUE
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.pool.QueryRow(ctx, query, threadID, sourceChannel, since)
	entry, err := scanRoutingLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return entry, nil
}

func (r *PostgresRepository) ListRoutingLog(ctx context.Context, threadID string, limit int) ([]*models.RoutingLogEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + routingLogColumns + `
		FROM routing_log
		WHERE thread_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing log: %w", err)
	}
	defer rows.Close()

	var entries []*models.RoutingLogEntry
	for rows.Next() {
		entry, err := scanRoutingLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate routing log: %w", err)
	}

	return entries, nil
}

func scanRoutingLog(row pgx.Row) (*models.RoutingLogEntry, error) {
	var entry models.RoutingLogEntry
	var durationMs int64
	var errText, threadID, sourceChannel *string

	err := row.Scan(
		&entry.ID,
		&entry.SourceWorker,
		&entry.TargetWorker,
		&entry.Tool,
		&entry.Success,
		&durationMs,
		&errText,
		&threadID,
		&sourceChannel,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan routing log entry: %w", err)
	}

	entry.Duration = time.Duration(durationMs) * time.Millisecond
	if errText != nil {
		entry.Error = *errText
	}
	if threadID != nil {
		entry.ThreadID = *threadID
	}
	if sourceChannel != nil {
		entry.SourceChannel = *sourceChannel
	}

	return &entry, nil
}
