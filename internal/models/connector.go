package models

import "time"

// Liveness is a connector's heartbeat-derived health bucket.
type Liveness string

const (
	ConnectorOnline  Liveness = "online"
	ConnectorStale   Liveness = "stale"
	ConnectorOffline Liveness = "offline"
)

// ConnectorCounters are lifetime totals reported by a connector. Values are
// monotonic cumulative counts, not deltas; upserts take the latest reported
// value rather than summing.
type ConnectorCounters struct {
	MessagesIngested int64 `json:"messages_ingested"`
	MessagesFailed   int64 `json:"messages_failed"`
	SourceAPICalls   int64 `json:"source_api_calls"`
	CheckpointSaves  int64 `json:"checkpoint_saves"`
	DedupeAccepted   int64 `json:"dedupe_accepted"`
}

// ConnectorRegistration is the current record for one connector instance,
// keyed by (connector_type, endpoint_identity).
type ConnectorRegistration struct {
	ConnectorType    string            `json:"connector_type"`
	EndpointIdentity string            `json:"endpoint_identity"`
	InstanceID       string            `json:"instance_id,omitempty"`
	State            string            `json:"state"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	UptimeS          int64             `json:"uptime_s"`
	LastHeartbeatAt  *time.Time        `json:"last_heartbeat_at,omitempty"`
	Counters         ConnectorCounters `json:"counters"`
	Checkpoint       string            `json:"checkpoint,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
}

// HeartbeatRecord is one append-only heartbeat row, range-partitioned by
// received time and pruned by partition drop. Same shape as the registration
// minus the running counters.
type HeartbeatRecord struct {
	ID               string    `json:"id"`
	ConnectorType    string    `json:"connector_type"`
	EndpointIdentity string    `json:"endpoint_identity"`
	InstanceID       string    `json:"instance_id,omitempty"`
	State            string    `json:"state"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	UptimeS          int64     `json:"uptime_s"`
	ReceivedAt       time.Time `json:"received_at"`
}

// HeartbeatRequest is the heartbeat ingestion payload.
type HeartbeatRequest struct {
	ConnectorType    string            `json:"connector_type"`
	EndpointIdentity string            `json:"endpoint_identity"`
	InstanceID       string            `json:"instance_id,omitempty"`
	State            string            `json:"state"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	UptimeS          int64             `json:"uptime_s,omitempty"`
	Counters         ConnectorCounters `json:"counters"`
	Checkpoint       string            `json:"checkpoint,omitempty"`
}
