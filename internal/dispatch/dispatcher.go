package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/messaging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/registry"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// Dispatch outcome labels.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Dispatcher is the accept-then-dispatch queue. Accept persists the request
// and acknowledges immediately; a worker pool performs the actual handoff
// afterwards, so a crash between the two is always recoverable from the
// inbox table.
type Dispatcher struct {
	repo           repository.DispatchRepository
	registry       *registry.Service
	events         *eventstore.Service
	bus            messaging.Publisher
	logger         *logging.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
	workers        int

	jobs chan string
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewDispatcher(repo repository.DispatchRepository, reg *registry.Service, events *eventstore.Service,
	bus messaging.Publisher, logger *logging.Logger, m *metrics.Metrics, workers int, requestTimeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		repo:           repo,
		registry:       reg,
		events:         events,
		bus:            bus,
		logger:         logger,
		metrics:        m,
		requestTimeout: requestTimeout,
		workers:        workers,
		jobs:           make(chan string, workers*16),
		now:            time.Now,
	}
}

// Accept validates and durably persists the routing request, then returns.
// The downstream handoff happens asynchronously; once Accept returns nil the
// request survives a process crash.
func (d *Dispatcher) Accept(ctx context.Context, envelope *models.RoutingEnvelope) (*models.AcceptResult, error) {
	if err := validateEnvelope(envelope); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate queue id: %w", err)
	}

	entry := &models.RouteInboxEntry{
		ID:             id.String(),
		Envelope:       *envelope,
		LifecycleState: models.QueueAccepted,
		ReceivedAt:     d.now().UTC(),
	}
	if err := d.repo.InsertInboxEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist routing request: %w", err)
	}
	d.metrics.QueueAccepted.Inc()

	// Hand to the pool if it has room; a full pool is fine, the recovery
	// scan picks the entry up from the inbox.
	select {
	case d.jobs <- entry.ID:
	default:
		d.logger.WarnContext(ctx, "dispatch pool saturated, deferring to recovery",
			"queue_id", entry.ID)
	}

	return &models.AcceptResult{Status: "accepted", QueueID: entry.ID}, nil
}

func validateEnvelope(envelope *models.RoutingEnvelope) error {
	if envelope == nil {
		return fmt.Errorf("%w: envelope is required", ErrValidation)
	}
	if strings.TrimSpace(envelope.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrValidation)
	}
	if strings.TrimSpace(envelope.Tool) == "" {
		return fmt.Errorf("%w: tool is required", ErrValidation)
	}
	if strings.TrimSpace(envelope.SourceWorker) == "" {
		return fmt.Errorf("%w: source_worker is required", ErrValidation)
	}
	return nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-d.jobs:
					d.process(ctx, id, models.QueueAccepted)
				}
			}
		}()
	}
	d.logger.InfoContext(ctx, "dispatch pool started", "workers", d.workers)
}

// Wait blocks until all pool workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// process performs one handoff attempt for the inbox entry. The claim is a
// state-conditional update, so a concurrent worker or recovery sweep on the
// same entry loses cleanly and does nothing.
func (d *Dispatcher) process(ctx context.Context, id string, from models.QueueState) {
	claimed, err := d.repo.ClaimInboxEntry(ctx, id, from)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to claim inbox entry", "queue_id", id, "error", err)
		return
	}
	if !claimed {
		return
	}

	entry, err := d.repo.GetInboxEntry(ctx, id)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to load claimed entry", "queue_id", id, "error", err)
		return
	}

	d.markEventProcessing(ctx, entry.Envelope.EventID)

	start := d.now()
	result := d.route(ctx, &entry.Envelope)
	duration := d.now().Sub(start)
	d.metrics.DispatchDuration.Observe(duration.Seconds())

	now := d.now().UTC()
	success := result.Error == ""
	if success {
		if err := d.repo.CompleteInboxEntry(ctx, id, result.SessionID, now); err != nil {
			d.logger.ErrorContext(ctx, "failed to complete inbox entry", "queue_id", id, "error", err)
			return
		}
		d.metrics.DispatchTotal.WithLabelValues(outcomeSuccess, string(ClassNone)).Inc()

		// Successful handoffs feed worker liveness.
		if err := d.registry.MarkSeen(ctx, entry.Envelope.Target); err != nil {
			d.logger.WarnContext(ctx, "failed to refresh worker liveness",
				"worker", entry.Envelope.Target, "error", err)
		}
	} else {
		if err := d.repo.FailInboxEntry(ctx, id, result.Error, now); err != nil {
			d.logger.ErrorContext(ctx, "failed to mark inbox entry errored", "queue_id", id, "error", err)
			return
		}
		d.metrics.DispatchTotal.WithLabelValues(outcomeFailure, result.errorClass).Inc()
	}

	d.finishEvent(ctx, entry, result, success, duration)
	d.appendRoutingLog(ctx, entry, result, success, duration, now)
}

// markEventProcessing advances the originating event when the handoff starts.
// A recovery re-claim finds the event already past accepted; that only rates
// a debug line.
func (d *Dispatcher) markEventProcessing(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := d.events.Transition(ctx, eventID, models.EventAccepted, models.EventProcessing); err != nil {
		d.logger.DebugContext(ctx, "event not in accepted state", "event_id", eventID, "error", err)
	}
}

// finishEvent closes the originating event's lifecycle and records the
// post-routing metadata. Queue entries without an event id (handoffs that did
// not originate from ingestion) have nothing to close.
func (d *Dispatcher) finishEvent(ctx context.Context, entry *models.RouteInboxEntry,
	result routeOutcome, success bool, duration time.Duration) {
	eventID := entry.Envelope.EventID
	if eventID == "" {
		return
	}

	to := models.EventFailed
	summary := "routing to " + entry.Envelope.Target + " failed: " + result.Error
	if success {
		to = models.EventCompleted
		summary = "routed to " + entry.Envelope.Target
	}
	if err := d.events.Transition(ctx, eventID, models.EventProcessing, to); err != nil {
		d.logger.WarnContext(ctx, "failed to close event lifecycle",
			"event_id", eventID, "to", to, "error", err)
		return
	}

	metadata := map[string]interface{}{
		"target_worker": entry.Envelope.Target,
		"queue_id":      entry.ID,
		"duration_ms":   duration.Milliseconds(),
	}
	if result.SessionID != "" {
		metadata["session_id"] = result.SessionID
	}
	if result.Error != "" {
		metadata["error"] = result.Error
	}
	if err := d.events.SetOutcome(ctx, eventID, metadata, summary); err != nil {
		d.logger.WarnContext(ctx, "failed to record event outcome", "event_id", eventID, "error", err)
	}
}

// routeOutcome carries the structured result plus its normalized class.
type routeOutcome struct {
	models.RouteResult
	errorClass string
}

// route performs the actual request/reply handoff. Failures come back as a
// structured result, never as a panic or a raw error to the pool.
func (d *Dispatcher) route(ctx context.Context, envelope *models.RoutingEnvelope) routeOutcome {
	worker, err := d.registry.Get(ctx, envelope.Target)
	if err != nil {
		if errors.Is(err, repository.ErrWorkerNotFound) {
			return failureOutcome(ErrTargetNotFound)
		}
		return failureOutcome(err)
	}
	if worker.EligibilityState == models.WorkerQuarantined {
		return failureOutcome(ErrTargetQuarantined)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return failureOutcome(err)
	}

	reply, err := d.bus.Request(ctx, messaging.WorkerSubject(envelope.Target), payload, d.requestTimeout)
	if err != nil {
		return failureOutcome(err)
	}

	var result models.RouteResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return failureOutcome(fmt.Errorf("malformed worker reply: %w", err))
	}
	if result.Error != "" {
		// The worker reported a failure; classify its message as internal.
		return routeOutcome{RouteResult: result, errorClass: string(ClassInternal)}
	}

	return routeOutcome{RouteResult: result, errorClass: string(ClassNone)}
}

func failureOutcome(err error) routeOutcome {
	classified := Normalize(err)
	return routeOutcome{
		RouteResult: models.RouteResult{Error: classified.Message},
		errorClass:  string(classified.Class),
	}
}

func (d *Dispatcher) appendRoutingLog(ctx context.Context, entry *models.RouteInboxEntry,
	result routeOutcome, success bool, duration time.Duration, now time.Time) {
	id, err := uuid.NewV7()
	if err != nil {
		return
	}

	logEntry := &models.RoutingLogEntry{
		ID:            id.String(),
		SourceWorker:  entry.Envelope.SourceWorker,
		TargetWorker:  entry.Envelope.Target,
		Tool:          entry.Envelope.Tool,
		Success:       success,
		Duration:      duration,
		Error:         result.Error,
		ThreadID:      entry.Envelope.ThreadID,
		SourceChannel: entry.Envelope.SourceChannel,
		CreatedAt:     now,
	}
	if err := d.repo.AppendRoutingLog(ctx, logEntry); err != nil {
		d.logger.ErrorContext(ctx, "failed to append routing log", "queue_id", entry.ID, "error", err)
		return
	}

	// Best-effort fan-out for observers; the durable record is the log row.
	if payload, err := json.Marshal(logEntry); err == nil {
		if err := d.bus.Publish(ctx, messaging.SubjectRoutesCompleted, payload); err != nil {
			d.logger.DebugContext(ctx, "failed to publish route outcome", "error", err)
		}
	}
}

// RoutingLog returns the most recent handoff attempts for a thread.
func (d *Dispatcher) RoutingLog(ctx context.Context, threadID string, limit int) ([]*models.RoutingLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.repo.ListRoutingLog(ctx, threadID, limit)
}
