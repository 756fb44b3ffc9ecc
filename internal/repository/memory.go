package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/switchboard-systems/switchboard/internal/models"
)

// InMemoryRepository implements Store with process-local maps. It is used by
// tests and local development; semantics mirror the Postgres implementation,
// including conditional transitions and dedupe-key uniqueness.
type InMemoryRepository struct {
	mu sync.RWMutex

	events        map[string]*models.InboundEvent
	eventsByDedup map[string]string // dedupe_key -> event id
	eventParts    map[string]bool   // month key -> exists

	rules            map[string]*models.TriageRule
	affinitySettings *models.ThreadAffinitySettings

	workers     map[string]*models.RegistryEntry
	transitions []*models.EligibilityTransition

	connectors     map[string]*models.ConnectorRegistration
	heartbeats     []*models.HeartbeatRecord
	heartbeatParts map[string]bool

	inbox      map[string]*models.RouteInboxEntry
	routingLog []*models.RoutingLogEntry
}

// NewInMemoryRepository creates an empty in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events:           make(map[string]*models.InboundEvent),
		eventsByDedup:    make(map[string]string),
		eventParts:       make(map[string]bool),
		rules:            make(map[string]*models.TriageRule),
		affinitySettings: &models.ThreadAffinitySettings{},
		workers:          make(map[string]*models.RegistryEntry),
		connectors:       make(map[string]*models.ConnectorRegistration),
		heartbeatParts:   make(map[string]bool),
		inbox:            make(map[string]*models.RouteInboxEntry),
	}
}

func (r *InMemoryRepository) Close() {}

// --- EventRepository ---

func (r *InMemoryRepository) InsertEvent(ctx context.Context, event *models.InboundEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.eventsByDedup[event.DedupeKey]; exists {
		return false, nil
	}

	copied := *event
	r.events[event.ID] = &copied
	r.eventsByDedup[event.DedupeKey] = event.ID
	return true, nil
}

func (r *InMemoryRepository) GetEvent(ctx context.Context, id string) (*models.InboundEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, exists := r.events[id]
	if !exists {
		return nil, ErrEventNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *InMemoryRepository) GetEventByDedupeKey(ctx context.Context, key string) (*models.InboundEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.eventsByDedup[key]
	if !exists {
		return nil, ErrEventNotFound
	}
	copied := *r.events[id]
	return &copied, nil
}

func (r *InMemoryRepository) TransitionEvent(ctx context.Context, id string, from, to models.EventState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event, exists := r.events[id]
	if !exists {
		return ErrEventNotFound
	}
	if event.LifecycleState != from {
		return fmt.Errorf("%w: event %s not in state %s", ErrInvalidTransition, id, from)
	}

	event.LifecycleState = to
	return nil
}

func (r *InMemoryRepository) SetEventOutcome(ctx context.Context, id string, metadata map[string]interface{}, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, exists := r.events[id]
	if !exists {
		return ErrEventNotFound
	}
	event.ProcessingMetadata = metadata
	event.ResponseSummary = summary
	return nil
}

func (r *InMemoryRepository) EnsureEventPartition(ctx context.Context, ref time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventParts[ref.UTC().Format("200601")] = true
	return nil
}

func (r *InMemoryRepository) DropExpiredEventPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return dropExpiredParts(r.eventParts, retention, ref), nil
}

func dropExpiredParts(parts map[string]bool, retention time.Duration, ref time.Time) int {
	cutoff := ref.UTC().Add(-retention)
	cutoffMonth := time.Date(cutoff.Year(), cutoff.Month(), 1, 0, 0, 0, 0, time.UTC)

	dropped := 0
	for key := range parts {
		period, err := time.Parse("200601", key)
		if err != nil {
			continue
		}
		if period.AddDate(0, 1, 0).After(cutoffMonth) {
			continue
		}
		delete(parts, key)
		dropped++
	}
	return dropped
}

// --- RuleRepository ---

func (r *InMemoryRepository) CreateRule(ctx context.Context, rule *models.TriageRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *rule
	r.rules[rule.ID] = &copied
	return nil
}

func (r *InMemoryRepository) GetRule(ctx context.Context, id string) (*models.TriageRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[id]
	if !exists {
		return nil, ErrRuleNotFound
	}
	copied := *rule
	return &copied, nil
}

func (r *InMemoryRepository) UpdateRule(ctx context.Context, rule *models.TriageRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.rules[rule.ID]
	if !exists || existing.DeletedAt != nil {
		return ErrRuleNotFound
	}

	existing.Condition = rule.Condition
	existing.Action = rule.Action
	existing.Priority = rule.Priority
	existing.Enabled = rule.Enabled
	return nil
}

func (r *InMemoryRepository) SoftDeleteRule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists || rule.DeletedAt != nil {
		return ErrRuleNotFound
	}

	now := time.Now().UTC()
	rule.DeletedAt = &now
	return nil
}

func (r *InMemoryRepository) ListRules(ctx context.Context, includeDeleted bool) ([]*models.TriageRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []*models.TriageRule
	for _, rule := range r.rules {
		if !includeDeleted && rule.DeletedAt != nil {
			continue
		}
		copied := *rule
		rules = append(rules, &copied)
	}
	sortRules(rules)
	return rules, nil
}

func (r *InMemoryRepository) ListEnabledRules(ctx context.Context) ([]*models.TriageRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rules []*models.TriageRule
	for _, rule := range r.rules {
		if !rule.Enabled || rule.DeletedAt != nil {
			continue
		}
		copied := *rule
		rules = append(rules, &copied)
	}
	sortRules(rules)
	return rules, nil
}

// sortRules applies the deterministic evaluation order (priority, created_at, id).
func sortRules(rules []*models.TriageRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func (r *InMemoryRepository) GetAffinitySettings(ctx context.Context) (*models.ThreadAffinitySettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copied := *r.affinitySettings
	if r.affinitySettings.Overrides != nil {
		copied.Overrides = make(map[string]string, len(r.affinitySettings.Overrides))
		for k, v := range r.affinitySettings.Overrides {
			copied.Overrides[k] = v
		}
	}
	return &copied, nil
}

func (r *InMemoryRepository) UpdateAffinitySettings(ctx context.Context, settings *models.ThreadAffinitySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *settings
	copied.UpdatedAt = time.Now().UTC()
	r.affinitySettings = &copied
	return nil
}

// --- RegistryRepository ---

func (r *InMemoryRepository) CreateWorker(ctx context.Context, entry *models.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[entry.Name]; exists {
		return ErrWorkerExists
	}

	copied := *entry
	r.workers[entry.Name] = &copied
	return nil
}

func (r *InMemoryRepository) GetWorker(ctx context.Context, name string) (*models.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[name]
	if !exists {
		return nil, ErrWorkerNotFound
	}
	copied := *worker
	return &copied, nil
}

func (r *InMemoryRepository) ListWorkers(ctx context.Context) ([]*models.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var workers []*models.RegistryEntry
	for _, worker := range r.workers {
		copied := *worker
		workers = append(workers, &copied)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

func (r *InMemoryRepository) RefreshLastSeen(ctx context.Context, name string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[name]
	if !exists {
		return ErrWorkerNotFound
	}
	worker.LastSeenAt = seenAt
	return nil
}

func (r *InMemoryRepository) ApplyTransition(ctx context.Context, t *models.EligibilityTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[t.WorkerName]
	if !exists {
		return false, ErrWorkerNotFound
	}
	if worker.EligibilityState != t.PreviousState {
		return false, nil
	}

	worker.EligibilityState = t.NewState
	worker.EligibilityUpdatedAt = t.ObservedAt
	worker.LastSeenAt = t.NewSeenAt
	if t.NewState == models.WorkerQuarantined {
		at := t.ObservedAt
		worker.QuarantinedAt = &at
		worker.QuarantineReason = t.Reason
	} else {
		worker.QuarantinedAt = nil
		worker.QuarantineReason = ""
	}

	copied := *t
	r.transitions = append(r.transitions, &copied)
	return true, nil
}

func (r *InMemoryRepository) ListTransitions(ctx context.Context, worker string, from, to time.Time) ([]*models.EligibilityTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.EligibilityTransition
	for _, t := range r.transitions {
		if t.WorkerName != worker {
			continue
		}
		if t.ObservedAt.Before(from) || !t.ObservedAt.Before(to) {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (r *InMemoryRepository) LastTransitionBefore(ctx context.Context, worker string, before time.Time) (*models.EligibilityTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.EligibilityTransition
	for _, t := range r.transitions {
		if t.WorkerName != worker || !t.ObservedAt.Before(before) {
			continue
		}
		if latest == nil || t.ObservedAt.After(latest.ObservedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

// --- ConnectorRepository ---

func connectorKey(connectorType, endpointIdentity string) string {
	return connectorType + "/" + endpointIdentity
}

func (r *InMemoryRepository) UpsertHeartbeat(ctx context.Context, reg *models.ConnectorRegistration, rec *models.HeartbeatRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := connectorKey(reg.ConnectorType, reg.EndpointIdentity)
	copied := *reg
	if existing, exists := r.connectors[key]; exists {
		copied.RegisteredAt = existing.RegisteredAt
	}
	r.connectors[key] = &copied

	recCopied := *rec
	r.heartbeats = append(r.heartbeats, &recCopied)
	return nil
}

func (r *InMemoryRepository) GetConnector(ctx context.Context, connectorType, endpointIdentity string) (*models.ConnectorRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.connectors[connectorKey(connectorType, endpointIdentity)]
	if !exists {
		return nil, ErrConnectorNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *InMemoryRepository) ListConnectors(ctx context.Context) ([]*models.ConnectorRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connectors []*models.ConnectorRegistration
	for _, c := range r.connectors {
		copied := *c
		connectors = append(connectors, &copied)
	}
	sort.Slice(connectors, func(i, j int) bool {
		if connectors[i].ConnectorType != connectors[j].ConnectorType {
			return connectors[i].ConnectorType < connectors[j].ConnectorType
		}
		return connectors[i].EndpointIdentity < connectors[j].EndpointIdentity
	})
	return connectors, nil
}

func (r *InMemoryRepository) ListHeartbeats(ctx context.Context, connectorType, endpointIdentity string, from, to time.Time) ([]*models.HeartbeatRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HeartbeatRecord
	for _, rec := range r.heartbeats {
		if rec.ConnectorType != connectorType || rec.EndpointIdentity != endpointIdentity {
			continue
		}
		if rec.ReceivedAt.Before(from) || !rec.ReceivedAt.Before(to) {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (r *InMemoryRepository) EnsureHeartbeatPartition(ctx context.Context, ref time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatParts[ref.UTC().Format("200601")] = true
	return nil
}

func (r *InMemoryRepository) DropExpiredHeartbeatPartitions(ctx context.Context, retention time.Duration, ref time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return dropExpiredParts(r.heartbeatParts, retention, ref), nil
}

// --- DispatchRepository ---

func (r *InMemoryRepository) InsertInboxEntry(ctx context.Context, entry *models.RouteInboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *entry
	r.inbox[entry.ID] = &copied
	return nil
}

func (r *InMemoryRepository) GetInboxEntry(ctx context.Context, id string) (*models.RouteInboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.inbox[id]
	if !exists {
		return nil, ErrInboxEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *InMemoryRepository) ClaimInboxEntry(ctx context.Context, id string, from models.QueueState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.inbox[id]
	if !exists {
		return false, ErrInboxEntryNotFound
	}
	if entry.LifecycleState != from {
		return false, nil
	}

	entry.LifecycleState = models.QueueProcessing
	return true, nil
}

func (r *InMemoryRepository) CompleteInboxEntry(ctx context.Context, id, sessionID string, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.inbox[id]
	if !exists {
		return ErrInboxEntryNotFound
	}
	if entry.LifecycleState != models.QueueProcessing {
		return fmt.Errorf("%w: entry %s not in processing state", ErrInvalidTransition, id)
	}

	entry.LifecycleState = models.QueueProcessed
	entry.SessionID = sessionID
	entry.ProcessedAt = &processedAt
	return nil
}

func (r *InMemoryRepository) FailInboxEntry(ctx context.Context, id, errText string, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.inbox[id]
	if !exists {
		return ErrInboxEntryNotFound
	}
	if entry.LifecycleState != models.QueueProcessing {
		return fmt.Errorf("%w: entry %s not in processing state", ErrInvalidTransition, id)
	}

	entry.LifecycleState = models.QueueErrored
	entry.Error = errText
	entry.ProcessedAt = &processedAt
	return nil
}

func (r *InMemoryRepository) ScanUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*models.RouteInboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*models.RouteInboxEntry
	for _, entry := range r.inbox {
		if entry.LifecycleState != models.QueueAccepted && entry.LifecycleState != models.QueueProcessing {
			continue
		}
		if !entry.ReceivedAt.Before(olderThan) {
			continue
		}
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ReceivedAt.Before(entries[j].ReceivedAt) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *InMemoryRepository) AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *entry
	r.routingLog = append(r.routingLog, &copied)
	return nil
}

func (r *InMemoryRepository) LatestRouteForThread(ctx context.Context, threadID, sourceChannel string, since time.Time) (*models.RoutingLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.RoutingLogEntry
	for _, entry := range r.routingLog {
		if entry.ThreadID != threadID || entry.SourceChannel != sourceChannel || !entry.Success {
			continue
		}
		if entry.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || entry.CreatedAt.After(latest.CreatedAt) {
			latest = entry
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (r *InMemoryRepository) ListRoutingLog(ctx context.Context, threadID string, limit int) ([]*models.RoutingLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*models.RoutingLogEntry
	for _, entry := range r.routingLog {
		if entry.ThreadID != threadID {
			continue
		}
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
