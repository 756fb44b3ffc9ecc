package models

import "time"

// EventState is the lifecycle state of an accepted inbound event.
type EventState string

const (
	EventAccepted   EventState = "accepted"
	EventProcessing EventState = "processing"
	EventCompleted  EventState = "completed"
	EventFailed     EventState = "failed"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
// The only legal chain is accepted -> processing -> {completed, failed}.
func (s EventState) CanTransition(next EventState) bool {
	switch s {
	case EventAccepted:
		return next == EventProcessing
	case EventProcessing:
		return next == EventCompleted || next == EventFailed
	default:
		return false
	}
}

// IngestEnvelope is the normalized ingestion input handed to the event store
// by connectors. Connector wire-protocol parsing happens upstream.
type IngestEnvelope struct {
	SchemaVersion int            `json:"schema_version"`
	Source        EventSource    `json:"source"`
	Event         EventIdentity  `json:"event"`
	Sender        SenderIdentity `json:"sender"`
	Payload       EventPayload   `json:"payload"`
}

// EventSource identifies where an event entered the system.
type EventSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// EventIdentity carries the provider-assigned identity of the event.
type EventIdentity struct {
	ExternalEventID string    `json:"external_event_id"`
	ObservedAt      time.Time `json:"observed_at"`
}

// SenderIdentity identifies the originator of the event.
type SenderIdentity struct {
	Identity string `json:"identity"`
}

// EventPayload holds the event content. Attachments are normalized to nil
// when absent or empty so the field round-trips storage without shape drift.
type EventPayload struct {
	Raw            map[string]interface{} `json:"raw,omitempty"`
	NormalizedText string                 `json:"normalized_text"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	MimeType       string                 `json:"mime_type,omitempty"`
	ThreadID       string                 `json:"thread_id,omitempty"`
}

// Attachment describes a single payload attachment.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	SizeB    int64  `json:"size_b"`
	Ref      string `json:"ref,omitempty"`
}

// InboundEvent is one accepted ingestion row. Core fields are immutable after
// insert; only the lifecycle state and the post-routing metadata fields mutate.
type InboundEvent struct {
	ID                 string                 `json:"id"`
	DedupeKey          string                 `json:"dedupe_key"`
	SourceChannel      string                 `json:"source_channel"`
	Provider           string                 `json:"provider"`
	EndpointIdentity   string                 `json:"endpoint_identity"`
	ExternalEventID    string                 `json:"external_event_id"`
	ObservedAt         time.Time              `json:"observed_at"`
	SenderIdentity     string                 `json:"sender_identity"`
	NormalizedText     string                 `json:"normalized_text"`
	Attachments        []Attachment           `json:"attachments,omitempty"`
	RawPayload         map[string]interface{} `json:"raw_payload,omitempty"`
	LifecycleState     EventState             `json:"lifecycle_state"`
	ProcessingMetadata map[string]interface{} `json:"processing_metadata,omitempty"`
	ResponseSummary    string                 `json:"response_summary,omitempty"`
	ReceivedAt         time.Time              `json:"received_at"`
}

// IngestStatus is the outcome of an ingestion attempt.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
)

// IngestResult is returned to the caller of Ingest.
type IngestResult struct {
	Status  IngestStatus `json:"status"`
	EventID string       `json:"event_id,omitempty"`
}
