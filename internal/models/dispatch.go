package models

import (
	"encoding/json"
	"time"
)

// QueueState is the lifecycle state of a durable route-inbox entry.
type QueueState string

const (
	QueueAccepted   QueueState = "accepted"
	QueueProcessing QueueState = "processing"
	QueueProcessed  QueueState = "processed"
	QueueErrored    QueueState = "errored"
)

// RoutingEnvelope is the full routing request handed to the dispatcher.
type RoutingEnvelope struct {
	EventID       string          `json:"event_id,omitempty"`
	SourceWorker  string          `json:"source_worker"`
	Target        string          `json:"target"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args,omitempty"`
	ThreadID      string          `json:"thread_id,omitempty"`
	SourceChannel string          `json:"source_channel,omitempty"`
}

// RouteInboxEntry is one durable queue row. It is created the instant a
// routing request is accepted, before any downstream handoff, so a crash
// between acceptance and handoff is always recoverable. Rows are never
// deleted, only archived operationally.
type RouteInboxEntry struct {
	ID             string          `json:"id"`
	Envelope       RoutingEnvelope `json:"envelope"`
	LifecycleState QueueState      `json:"lifecycle_state"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// AcceptResult is the fast durable acknowledgement returned by Accept.
type AcceptResult struct {
	Status  string `json:"status"`
	QueueID string `json:"queue_id"`
}

// RouteResult is the structured outcome of a handoff. Errors are plain
// strings so they cross process boundaries losslessly.
type RouteResult struct {
	Result    json.RawMessage `json:"result,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RoutingLogEntry is one append-only audit row per handoff attempt. The
// thread id and source channel annotations feed the thread-affinity router.
type RoutingLogEntry struct {
	ID            string        `json:"id"`
	SourceWorker  string        `json:"source_worker"`
	TargetWorker  string        `json:"target_worker"`
	Tool          string        `json:"tool"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
	SourceChannel string        `json:"source_channel,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
