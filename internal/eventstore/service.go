package eventstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// ValidationError marks an envelope the caller can never retry successfully.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Service is the idempotent ingestion log. Every inbound event passes through
// Ingest exactly once before triage sees it.
type Service struct {
	repo    repository.EventRepository
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewService(repo repository.EventRepository, logger *logging.Logger, m *metrics.Metrics) *Service {
	return &Service{repo: repo, logger: logger, metrics: m}
}

// Ingest validates the envelope, derives its dedupe key and inserts the event.
// A key collision is reported as a duplicate with the original event's id and
// performs no writes.
func (s *Service) Ingest(ctx context.Context, envelope *models.IngestEnvelope) (*models.IngestResult, error) {
	if err := validateEnvelope(envelope); err != nil {
		channel := ""
		if envelope != nil {
			channel = envelope.Source.Channel
		}
		s.metrics.EventsTotal.WithLabelValues(channel, "rejected").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate event id: %w", err)
	}

	event := &models.InboundEvent{
		ID:               id.String(),
		DedupeKey:        DedupeKey(envelope),
		SourceChannel:    envelope.Source.Channel,
		Provider:         envelope.Source.Provider,
		EndpointIdentity: envelope.Source.EndpointIdentity,
		ExternalEventID:  envelope.Event.ExternalEventID,
		ObservedAt:       envelope.Event.ObservedAt,
		SenderIdentity:   envelope.Sender.Identity,
		NormalizedText:   envelope.Payload.NormalizedText,
		Attachments:      normalizeAttachments(envelope.Payload.Attachments),
		RawPayload:       envelope.Payload.Raw,
		LifecycleState:   models.EventAccepted,
		ReceivedAt:       now,
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = now
	}

	inserted, err := s.repo.InsertEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest event: %w", err)
	}

	if !inserted {
		existing, err := s.repo.GetEventByDedupeKey(ctx, event.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve duplicate event: %w", err)
		}
		s.metrics.EventsTotal.WithLabelValues(event.SourceChannel, string(models.IngestDuplicate)).Inc()
		s.logger.DebugContext(ctx, "duplicate event suppressed",
			"dedupe_key", event.DedupeKey, "event_id", existing.ID)
		return &models.IngestResult{Status: models.IngestDuplicate, EventID: existing.ID}, nil
	}

	s.metrics.EventsTotal.WithLabelValues(event.SourceChannel, string(models.IngestAccepted)).Inc()
	s.logger.InfoContext(ctx, "event accepted",
		"event_id", event.ID, "source_channel", event.SourceChannel, "provider", event.Provider)

	return &models.IngestResult{Status: models.IngestAccepted, EventID: event.ID}, nil
}

// DedupeKey derives the stable identity of an envelope. Provider-assigned ids
// are preferred; without one the key is a content hash, so retried deliveries
// of the same payload still collapse.
func DedupeKey(envelope *models.IngestEnvelope) string {
	if envelope.Event.ExternalEventID != "" {
		return envelope.Source.Channel + "/" + envelope.Event.ExternalEventID
	}

	h := sha256.New()
	for _, part := range []string{
		envelope.Source.Channel,
		envelope.Source.Provider,
		envelope.Source.EndpointIdentity,
		envelope.Sender.Identity,
		envelope.Payload.NormalizedText,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return envelope.Source.Channel + "/sha256:" + hex.EncodeToString(h.Sum(nil))
}

func validateEnvelope(envelope *models.IngestEnvelope) error {
	if envelope == nil {
		return validationErrorf("envelope is required")
	}
	if envelope.SchemaVersion != 1 {
		return validationErrorf("unsupported schema_version %d", envelope.SchemaVersion)
	}
	if strings.TrimSpace(envelope.Source.Channel) == "" {
		return validationErrorf("source.channel is required")
	}
	if envelope.Event.ExternalEventID == "" && envelope.Payload.NormalizedText == "" {
		return validationErrorf("either event.external_event_id or payload.normalized_text is required")
	}
	return nil
}

// normalizeAttachments collapses absent and empty to nil so the stored shape
// is stable regardless of what the connector sent.
func normalizeAttachments(attachments []models.Attachment) []models.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	return attachments
}

func (s *Service) GetEvent(ctx context.Context, id string) (*models.InboundEvent, error) {
	return s.repo.GetEvent(ctx, id)
}

// Transition advances the event lifecycle. Illegal chains are rejected before
// any write; a lost conditional update surfaces as ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, eventID string, from, to models.EventState) error {
	if err := s.repo.TransitionEvent(ctx, eventID, from, to); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "event transitioned", "event_id", eventID, "from", from, "to", to)
	return nil
}

// SetOutcome records post-routing metadata without touching immutable fields.
func (s *Service) SetOutcome(ctx context.Context, eventID string, metadata map[string]interface{}, summary string) error {
	return s.repo.SetEventOutcome(ctx, eventID, metadata, summary)
}

// EnsurePartitions creates the monthly partitions covering now and the
// following month, so inserts never race the month boundary.
func (s *Service) EnsurePartitions(ctx context.Context, now time.Time) error {
	if err := s.repo.EnsureEventPartition(ctx, now); err != nil {
		return err
	}
	return s.repo.EnsureEventPartition(ctx, now.AddDate(0, 1, 0))
}

// DropExpiredPartitions enforces event retention by whole-partition drop.
func (s *Service) DropExpiredPartitions(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	dropped, err := s.repo.DropExpiredEventPartitions(ctx, retention, now)
	if err != nil {
		return dropped, err
	}
	if dropped > 0 {
		s.logger.InfoContext(ctx, "dropped expired event partitions", "count", dropped)
	}
	return dropped, nil
}
