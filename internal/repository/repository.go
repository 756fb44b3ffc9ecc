// Package repository persists the routing hub's state. The Postgres
// implementation is the production store; the in-memory implementation backs
// tests and local development.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/switchboard-systems/switchboard/internal/models"
)

var (
	ErrEventNotFound      = errors.New("inbound event not found")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrRuleNotFound       = errors.New("triage rule not found")
	ErrWorkerNotFound     = errors.New("worker not found")
	ErrWorkerExists       = errors.New("worker already registered")
	ErrConnectorNotFound  = errors.New("connector not found")
	ErrInboxEntryNotFound = errors.New("route inbox entry not found")
)

// EventRepository stores inbound events in a range-partitioned log.
type EventRepository interface {
	// InsertEvent inserts the event unless its dedupe key already exists.
	// Returns false (and no error) on a dedupe conflict; the attempt has no
	// other side effects.
	InsertEvent(ctx context.Context, event *models.InboundEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*models.InboundEvent, error)
	GetEventByDedupeKey(ctx context.Context, key string) (*models.InboundEvent, error)
	// TransitionEvent advances lifecycle_state with a conditional update;
	// a row not currently in the from state yields ErrInvalidTransition.
	TransitionEvent(ctx context.Context, id string, from, to models.EventState) error
	// SetEventOutcome records post-routing metadata and the response summary.
	SetEventOutcome(ctx context.Context, id string, metadata map[string]interface{}, summary string) error
	// EnsureEventPartition idempotently creates the partition covering ref.
	EnsureEventPartition(ctx context.Context, ref time.Time) error
	// DropExpiredEventPartitions drops whole partitions older than the
	// retention window and returns the count dropped.
	DropExpiredEventPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error)
}

// RuleRepository stores triage rules and the thread-affinity settings.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *models.TriageRule) error
	GetRule(ctx context.Context, id string) (*models.TriageRule, error)
	UpdateRule(ctx context.Context, rule *models.TriageRule) error
	// SoftDeleteRule sets deleted_at; rules are never hard-deleted.
	SoftDeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, includeDeleted bool) ([]*models.TriageRule, error)
	// ListEnabledRules returns enabled, non-deleted rules ordered by
	// (priority, created_at, id) for deterministic evaluation.
	ListEnabledRules(ctx context.Context) ([]*models.TriageRule, error)

	GetAffinitySettings(ctx context.Context) (*models.ThreadAffinitySettings, error)
	UpdateAffinitySettings(ctx context.Context, settings *models.ThreadAffinitySettings) error
}

// RegistryRepository stores worker entries and their eligibility audit log.
type RegistryRepository interface {
	CreateWorker(ctx context.Context, entry *models.RegistryEntry) error
	GetWorker(ctx context.Context, name string) (*models.RegistryEntry, error)
	ListWorkers(ctx context.Context) ([]*models.RegistryEntry, error)
	// RefreshLastSeen updates last_seen_at without touching eligibility.
	RefreshLastSeen(ctx context.Context, name string, seenAt time.Time) error
	// ApplyTransition atomically advances the worker's eligibility state from
	// t.PreviousState to t.NewState and appends the audit row. Returns false
	// when the worker was not in PreviousState (a concurrent sweep won).
	ApplyTransition(ctx context.Context, t *models.EligibilityTransition) (bool, error)
	// ListTransitions returns the audit rows for a worker whose observed_at
	// falls in [from, to), ordered by observed_at.
	ListTransitions(ctx context.Context, worker string, from, to time.Time) ([]*models.EligibilityTransition, error)
	// LastTransitionBefore returns the most recent audit row observed before
	// t, or nil when the worker has never transitioned before t.
	LastTransitionBefore(ctx context.Context, worker string, t time.Time) (*models.EligibilityTransition, error)
}

// ConnectorRepository stores connector registrations and heartbeat history.
type ConnectorRepository interface {
	// UpsertHeartbeat updates the registration (counters take the latest
	// cumulative value) and appends one heartbeat record.
	UpsertHeartbeat(ctx context.Context, reg *models.ConnectorRegistration, rec *models.HeartbeatRecord) error
	GetConnector(ctx context.Context, connectorType, endpointIdentity string) (*models.ConnectorRegistration, error)
	ListConnectors(ctx context.Context) ([]*models.ConnectorRegistration, error)
	ListHeartbeats(ctx context.Context, connectorType, endpointIdentity string, from, to time.Time) ([]*models.HeartbeatRecord, error)
	EnsureHeartbeatPartition(ctx context.Context, ref time.Time) error
	DropExpiredHeartbeatPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error)
}

// DispatchRepository stores the durable route inbox and the routing audit log.
type DispatchRepository interface {
	InsertInboxEntry(ctx context.Context, entry *models.RouteInboxEntry) error
	GetInboxEntry(ctx context.Context, id string) (*models.RouteInboxEntry, error)
	// ClaimInboxEntry moves the entry from the given state to processing.
	// Returns false when the entry was not in that state, so a concurrent
	// worker or recovery sweep cannot double-process.
	ClaimInboxEntry(ctx context.Context, id string, from models.QueueState) (bool, error)
	// CompleteInboxEntry marks a processing entry processed.
	CompleteInboxEntry(ctx context.Context, id, sessionID string, processedAt time.Time) error
	// FailInboxEntry marks a processing entry errored.
	FailInboxEntry(ctx context.Context, id, errText string, processedAt time.Time) error
	// ScanUnprocessed returns entries still accepted or processing whose
	// received_at is older than olderThan, oldest first, up to limit.
	ScanUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*models.RouteInboxEntry, error)

	AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error
	// LatestRouteForThread returns the most recent successful routing-log
	// entry for (threadID, sourceChannel) created at or after since.
	LatestRouteForThread(ctx context.Context, threadID, sourceChannel string, since time.Time) (*models.RoutingLogEntry, error)
	ListRoutingLog(ctx context.Context, threadID string, limit int) ([]*models.RoutingLogEntry, error)
}

// Store bundles every repository. Both implementations satisfy it.
type Store interface {
	EventRepository
	RuleRepository
	RegistryRepository
	ConnectorRepository
	DispatchRepository
	Close()
}
