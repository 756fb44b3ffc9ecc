package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/switchboard-systems/switchboard/internal/database"
	"github.com/switchboard-systems/switchboard/internal/models"
)

// UpsertHeartbeat updates the connector registration and appends one
// heartbeat record in a single transaction. Counters are monotonic lifetime
// totals reported by the connector, so the upsert takes the latest reported
// value rather than summing.
func (r *PostgresRepository) UpsertHeartbeat(ctx context.Context, reg *models.ConnectorRegistration, rec *models.HeartbeatRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO connector_registrations
		(connector_type, endpoint_identity, instance_id, state, error_message,
		 uptime_s, last_heartbeat_at,
		 messages_ingested, messages_failed, source_api_calls,
		 checkpoint_saves, dedupe_accepted, checkpoint, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (connector_type, endpoint_identity) DO UPDATE
		SET instance_id = $3, state = $4, error_message = $5, uptime_s = $6,
		    last_heartbeat_at = $7,
		    messages_ingested = $8, messages_failed = $9, source_api_calls = $10,
		    checkpoint_saves = $11, dedupe_accepted = $12, checkpoint = $13
	`

	_, err = tx.Exec(ctx, upsert,
		reg.ConnectorType,
		reg.EndpointIdentity,
		reg.InstanceID,
		reg.State,
		reg.ErrorMessage,
		reg.UptimeS,
		reg.LastHeartbeatAt,
		reg.Counters.MessagesIngested,
		reg.Counters.MessagesFailed,
		reg.Counters.SourceAPICalls,
		reg.Counters.CheckpointSaves,
		reg.Counters.DedupeAccepted,
		reg.Checkpoint,
		reg.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connector registration: %w", err)
	}

	insert := `
		INSERT INTO connector_heartbeats
		(id, connector_type, endpoint_identity, instance_id, state,
		 error_message, uptime_s, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, insert,
		rec.ID,
		rec.ConnectorType,
		rec.EndpointIdentity,
		rec.InstanceID,
		rec.State,
		rec.ErrorMessage,
		rec.UptimeS,
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append heartbeat record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit heartbeat: %w", err)
	}

	return nil
}

const connectorColumns = `
	connector_type, endpoint_identity, instance_id, state, error_message,
	uptime_s, last_heartbeat_at,
	messages_ingested, messages_failed, source_api_calls,
	checkpoint_saves, dedupe_accepted, checkpoint, registered_at
`

func (r *PostgresRepository) GetConnector(ctx context.Context, connectorType, endpointIdentity string) (*models.ConnectorRegistration, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + connectorColumns + `
		FROM connector_registrations
		WHERE connector_type = $1 AND endpoint_identity = $2
	`

	row := r.pool.QueryRow(ctx, query, connectorType, endpointIdentity)
	return scanConnector(row)
}

func (r *PostgresRepository) ListConnectors(ctx context.Context) ([]*models.ConnectorRegistration, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT ` + connectorColumns + `
		FROM connector_registrations
		ORDER BY connector_type ASC, endpoint_identity ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []*models.ConnectorRegistration
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connectors: %w", err)
	}

	return connectors, nil
}

func scanConnector(row pgx.Row) (*models.ConnectorRegistration, error) {
	var c models.ConnectorRegistration

	err := row.Scan(
		&c.ConnectorType,
		&c.EndpointIdentity,
		&c.InstanceID,
		&c.State,
		&c.ErrorMessage,
		&c.UptimeS,
		&c.LastHeartbeatAt,
		&c.Counters.MessagesIngested,
		&c.Counters.MessagesFailed,
		&c.Counters.SourceAPICalls,
		&c.Counters.CheckpointSaves,
		&c.Counters.DedupeAccepted,
		&c.Checkpoint,
		&c.RegisteredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConnectorNotFound
		}
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}

	return &c, nil
}

func (r *PostgresRepository) ListHeartbeats(ctx context.Context, connectorType, endpointIdentity string, from, to time.Time) ([]*models.HeartbeatRecord, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT id, connector_type, endpoint_identity, instance_id, state,
		       error_message, uptime_s, received_at
		FROM connector_heartbeats
		WHERE connector_type = $1 AND endpoint_identity = $2
		  AND received_at >= $3 AND received_at < $4
		ORDER BY received_at ASC
	`

	rows, err := r.pool.Query(ctx, query, connectorType, endpointIdentity, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var records []*models.HeartbeatRecord
	for rows.Next() {
		var rec models.HeartbeatRecord
		if err := rows.Scan(
			&rec.ID, &rec.ConnectorType, &rec.EndpointIdentity, &rec.InstanceID,
			&rec.State, &rec.ErrorMessage, &rec.UptimeS, &rec.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heartbeats: %w", err)
	}

	return records, nil
}

func (r *PostgresRepository) EnsureHeartbeatPartition(ctx context.Context, ref time.Time) error {
	return r.ensurePartition(ctx, "connector_heartbeats", ref)
}

func (r *PostgresRepository) DropExpiredHeartbeatPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error) {
	return r.dropExpiredPartitions(ctx, "connector_heartbeats", retention, ref)
}
