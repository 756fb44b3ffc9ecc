package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// Liveness bucket boundaries. Boundaries are inclusive on the younger bucket:
// an age of exactly 300s is still online, exactly 900s still stale.
const (
	onlineWithin = 5 * time.Minute
	staleWithin  = 15 * time.Minute
)

// ErrInvalidHeartbeat marks heartbeat payloads missing required identity.
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// Tracker ingests connector heartbeats and derives fleet liveness. It never
// pages anyone itself; liveness is a read-model annotation for dashboards.
type Tracker struct {
	repo    repository.ConnectorRepository
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewTracker(repo repository.ConnectorRepository, logger *logging.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{repo: repo, logger: logger, metrics: m, now: time.Now}
}

// Heartbeat records one connector report: the registration row is upserted
// with the latest cumulative counters and one append-only heartbeat record is
// written, both in the same transaction.
func (t *Tracker) Heartbeat(ctx context.Context, req *models.HeartbeatRequest) error {
	if strings.TrimSpace(req.ConnectorType) == "" {
		return fmt.Errorf("%w: connector_type is required", ErrInvalidHeartbeat)
	}
	if strings.TrimSpace(req.EndpointIdentity) == "" {
		return fmt.Errorf("%w: endpoint_identity is required", ErrInvalidHeartbeat)
	}

	now := t.now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate heartbeat id: %w", err)
	}

	reg := &models.ConnectorRegistration{
		ConnectorType:    req.ConnectorType,
		EndpointIdentity: req.EndpointIdentity,
		InstanceID:       req.InstanceID,
		State:            req.State,
		ErrorMessage:     req.ErrorMessage,
		UptimeS:          req.UptimeS,
		LastHeartbeatAt:  &now,
		Counters:         req.Counters,
		Checkpoint:       req.Checkpoint,
		RegisteredAt:     now,
	}
	rec := &models.HeartbeatRecord{
		ID:               id.String(),
		ConnectorType:    req.ConnectorType,
		EndpointIdentity: req.EndpointIdentity,
		InstanceID:       req.InstanceID,
		State:            req.State,
		ErrorMessage:     req.ErrorMessage,
		UptimeS:          req.UptimeS,
		ReceivedAt:       now,
	}

	if err := t.repo.UpsertHeartbeat(ctx, reg, rec); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	t.metrics.HeartbeatsTotal.WithLabelValues(req.ConnectorType).Inc()
	return nil
}

// ConnectorStatus is a registration annotated with derived liveness.
type ConnectorStatus struct {
	*models.ConnectorRegistration
	Liveness models.Liveness `json:"liveness"`
}

// List returns every known connector with its current liveness bucket.
func (t *Tracker) List(ctx context.Context) ([]*ConnectorStatus, error) {
	registrations, err := t.repo.ListConnectors(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	statuses := make([]*ConnectorStatus, 0, len(registrations))
	for _, reg := range registrations {
		statuses = append(statuses, &ConnectorStatus{
			ConnectorRegistration: reg,
			Liveness:              DeriveLiveness(reg.LastHeartbeatAt, now),
		})
	}
	return statuses, nil
}

// DeriveLiveness buckets a connector by heartbeat age. Pure: same inputs,
// same answer, regardless of wall clock. A connector that has never reported
// is offline, not stale.
func DeriveLiveness(lastHeartbeatAt *time.Time, now time.Time) models.Liveness {
	if lastHeartbeatAt == nil {
		return models.ConnectorOffline
	}

	age := now.Sub(*lastHeartbeatAt)
	switch {
	case age <= onlineWithin:
		return models.ConnectorOnline
	case age <= staleWithin:
		return models.ConnectorStale
	default:
		return models.ConnectorOffline
	}
}

// EnsurePartitions creates the heartbeat partitions covering now and the
// following month.
func (t *Tracker) EnsurePartitions(ctx context.Context, now time.Time) error {
	if err := t.repo.EnsureHeartbeatPartition(ctx, now); err != nil {
		return err
	}
	return t.repo.EnsureHeartbeatPartition(ctx, now.AddDate(0, 1, 0))
}

// DropExpiredPartitions enforces heartbeat retention by partition drop.
func (t *Tracker) DropExpiredPartitions(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	dropped, err := t.repo.DropExpiredHeartbeatPartitions(ctx, retention, now)
	if err != nil {
		return dropped, err
	}
	if dropped > 0 {
		t.logger.InfoContext(ctx, "dropped expired heartbeat partitions", "count", dropped)
	}
	return dropped, nil
}
