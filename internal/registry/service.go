package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// Transition reasons recorded in the eligibility audit trail.
const (
	ReasonLivenessTTLExceeded = "liveness_ttl_exceeded"
	ReasonQuarantineThreshold = "quarantine_threshold_exceeded"
	ReasonDispatchSuccess     = "dispatch_success"
	ReasonManual              = "manual"
)

// Service owns the worker registry and its eligibility state machine.
// Forward decay (active to stale to quarantined) is driven by the periodic
// sweep; recovery is driven by successful dispatches or by an admin.
type Service struct {
	repo             repository.RegistryRepository
	logger           *logging.Logger
	metrics          *metrics.Metrics
	quarantineFactor int
	now              func() time.Time
}

func NewService(repo repository.RegistryRepository, logger *logging.Logger, m *metrics.Metrics, quarantineFactor int) *Service {
	if quarantineFactor < 1 {
		quarantineFactor = 1
	}
	return &Service{
		repo:             repo,
		logger:           logger,
		metrics:          m,
		quarantineFactor: quarantineFactor,
		now:              time.Now,
	}
}

// Register adds a worker in the active state.
func (s *Service) Register(ctx context.Context, req *models.RegisterWorkerRequest) (*models.RegistryEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entry := &models.RegistryEntry{
		ID:                   id.String(),
		Name:                 req.Name,
		Endpoint:             req.Endpoint,
		Description:          req.Description,
		Capabilities:         req.Capabilities,
		RouteContractMin:     req.RouteContractMin,
		RouteContractMax:     req.RouteContractMax,
		EligibilityState:     models.WorkerActive,
		LivenessTTLSeconds:   req.LivenessTTLSeconds,
		LastSeenAt:           now,
		EligibilityUpdatedAt: now,
		RegisteredAt:         now,
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateWorker(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "worker registered",
		"worker", entry.Name, "endpoint", entry.Endpoint, "liveness_ttl_s", entry.LivenessTTLSeconds)
	return entry, nil
}

func (s *Service) Get(ctx context.Context, name string) (*models.RegistryEntry, error) {
	return s.repo.GetWorker(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]*models.RegistryEntry, error) {
	return s.repo.ListWorkers(ctx)
}

// MarkSeen records a successful handoff to the worker: refresh last_seen_at
// and, when the worker had decayed, reactivate it with an audit row.
func (s *Service) MarkSeen(ctx context.Context, name string) error {
	worker, err := s.repo.GetWorker(ctx, name)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if worker.EligibilityState == models.WorkerActive {
		return s.repo.RefreshLastSeen(ctx, name, now)
	}

	return s.transition(ctx, worker, models.WorkerActive, ReasonDispatchSuccess, now)
}

// Unquarantine is the admin escape hatch; it works from any non-active state.
func (s *Service) Unquarantine(ctx context.Context, name string) (*models.RegistryEntry, error) {
	worker, err := s.repo.GetWorker(ctx, name)
	if err != nil {
		return nil, err
	}

	if worker.EligibilityState != models.WorkerActive {
		if err := s.transition(ctx, worker, models.WorkerActive, ReasonManual, s.now().UTC()); err != nil {
			return nil, err
		}
	}

	return s.repo.GetWorker(ctx, name)
}

// Sweep runs one eligibility pass over every worker. Transitions use the
// conditional-update path, so overlapping sweeps from multiple instances
// produce exactly one audit row per state change.
func (s *Service) Sweep(ctx context.Context) error {
	workers, err := s.repo.ListWorkers(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for _, worker := range workers {
		if err := s.sweepWorker(ctx, worker, now); err != nil {
			s.logger.ErrorContext(ctx, "sweep failed for worker", "worker", worker.Name, "error", err)
		}
	}
	return nil
}

func (s *Service) sweepWorker(ctx context.Context, worker *models.RegistryEntry, now time.Time) error {
	age := now.Sub(worker.LastSeenAt)
	ttl := time.Duration(worker.LivenessTTLSeconds) * time.Second
	quarantineAfter := ttl * time.Duration(s.quarantineFactor)

	switch worker.EligibilityState {
	case models.WorkerActive:
		if age > ttl {
			return s.transition(ctx, worker, models.WorkerStale, ReasonLivenessTTLExceeded, now)
		}
	case models.WorkerStale:
		if age > quarantineAfter {
			return s.transition(ctx, worker, models.WorkerQuarantined, ReasonQuarantineThreshold, now)
		}
	}
	return nil
}

func (s *Service) transition(ctx context.Context, worker *models.RegistryEntry, to models.EligibilityState, reason string, now time.Time) error {
	newSeenAt := worker.LastSeenAt
	if to == models.WorkerActive {
		newSeenAt = now
	}

	applied, err := s.repo.ApplyTransition(ctx, &models.EligibilityTransition{
		WorkerName:     worker.Name,
		PreviousState:  worker.EligibilityState,
		NewState:       to,
		Reason:         reason,
		PreviousSeenAt: worker.LastSeenAt,
		NewSeenAt:      newSeenAt,
		ObservedAt:     now,
	})
	if err != nil {
		return err
	}
	if !applied {
		// Another instance won the race; nothing to record.
		return nil
	}

	s.metrics.EligibilityTransitionsTotal.WithLabelValues(
		string(worker.EligibilityState), string(to)).Inc()
	s.logger.InfoContext(ctx, "worker eligibility transitioned",
		"worker", worker.Name, "from", worker.EligibilityState, "to", to, "reason", reason)
	return nil
}

// History reconstructs the worker's eligibility timeline over a window from
// the audit trail. The returned segments tile the window exactly: the first
// starts at windowStart, the last ends at windowEnd, no gaps or overlaps.
func (s *Service) History(ctx context.Context, name string, windowStart, windowEnd time.Time) ([]*models.EligibilitySegment, error) {
	if !windowStart.Before(windowEnd) {
		return nil, nil
	}
	if _, err := s.repo.GetWorker(ctx, name); err != nil {
		return nil, err
	}

	// State at window start is the outcome of the last transition before it;
	// a worker with no prior transitions has been active since registration.
	state := models.WorkerActive
	if last, err := s.repo.LastTransitionBefore(ctx, name, windowStart); err != nil {
		return nil, err
	} else if last != nil {
		state = last.NewState
	}

	transitions, err := s.repo.ListTransitions(ctx, name, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	var segments []*models.EligibilitySegment
	cursor := windowStart
	for _, t := range transitions {
		if t.ObservedAt.After(cursor) {
			segments = append(segments, &models.EligibilitySegment{
				State: state, StartAt: cursor, EndAt: t.ObservedAt,
			})
			cursor = t.ObservedAt
		}
		state = t.NewState
	}
	segments = append(segments, &models.EligibilitySegment{
		State: state, StartAt: cursor, EndAt: windowEnd,
	})

	return segments, nil
}
