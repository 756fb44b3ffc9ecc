package models

import (
	"fmt"
	"time"
)

// EligibilityState is whether a worker may receive routed traffic.
type EligibilityState string

const (
	WorkerActive      EligibilityState = "active"
	WorkerStale       EligibilityState = "stale"
	WorkerQuarantined EligibilityState = "quarantined"
)

// RegistryEntry is one known downstream worker.
type RegistryEntry struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Endpoint             string           `json:"endpoint"`
	Description          string           `json:"description,omitempty"`
	Capabilities         []string         `json:"capabilities,omitempty"`
	RouteContractMin     int              `json:"route_contract_min"`
	RouteContractMax     int              `json:"route_contract_max"`
	EligibilityState     EligibilityState `json:"eligibility_state"`
	LivenessTTLSeconds   int              `json:"liveness_ttl_seconds"`
	QuarantinedAt        *time.Time       `json:"quarantined_at,omitempty"`
	QuarantineReason     string           `json:"quarantine_reason,omitempty"`
	LastSeenAt           time.Time        `json:"last_seen_at"`
	EligibilityUpdatedAt time.Time        `json:"eligibility_updated_at"`
	RegisteredAt         time.Time        `json:"registered_at"`
}

// Validate enforces the registry entry invariants.
func (e *RegistryEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if e.Endpoint == "" {
		return fmt.Errorf("worker endpoint is required")
	}
	if e.RouteContractMin > e.RouteContractMax {
		return fmt.Errorf("route contract range [%d,%d] is inverted", e.RouteContractMin, e.RouteContractMax)
	}
	if e.LivenessTTLSeconds <= 0 {
		return fmt.Errorf("liveness_ttl_seconds must be positive, got %d", e.LivenessTTLSeconds)
	}
	return nil
}

// EligibilityTransition is one append-only audit row per eligibility change.
// It is the only record from which a worker's eligibility timeline can be
// reconstructed.
type EligibilityTransition struct {
	ID             string           `json:"id"`
	WorkerName     string           `json:"worker_name"`
	PreviousState  EligibilityState `json:"previous_state"`
	NewState       EligibilityState `json:"new_state"`
	Reason         string           `json:"reason"`
	PreviousSeenAt time.Time        `json:"previous_seen_at"`
	NewSeenAt      time.Time        `json:"new_seen_at"`
	ObservedAt     time.Time        `json:"observed_at"`
}

// EligibilitySegment is one tile of an eligibility history window. Segments
// returned for a window tile it exactly: the first starts at window start, the
// last ends at window end, with no gaps or overlaps.
type EligibilitySegment struct {
	State   EligibilityState `json:"state"`
	StartAt time.Time        `json:"start_at"`
	EndAt   time.Time        `json:"end_at"`
}

// RegisterWorkerRequest is the admin API request for registering a worker.
type RegisterWorkerRequest struct {
	Name               string   `json:"name"`
	Endpoint           string   `json:"endpoint"`
	Description        string   `json:"description,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	RouteContractMin   int      `json:"route_contract_min"`
	RouteContractMax   int      `json:"route_contract_max"`
	LivenessTTLSeconds int      `json:"liveness_ttl_seconds"`
}
