// Package database bounds repository calls that do not inherit a request
// deadline. HTTP handlers are covered by the server timeouts; the dispatch
// pool, the eligibility sweeper and partition maintenance run on the process
// root context and take their deadlines from here.
package database

import (
	"context"
	"time"
)

// Deadlines by operation class.
const (
	// ReadDeadline bounds single-row lookups, scans and history windows.
	ReadDeadline = 5 * time.Second

	// WriteDeadline bounds row writes, including the conditional updates
	// behind single-winner state transitions.
	WriteDeadline = 10 * time.Second

	// MaintenanceDeadline bounds partition DDL and retention drops.
	MaintenanceDeadline = 30 * time.Second
)

// ReadContext derives a context bounded by ReadDeadline.
func ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadDeadline)
}

// WriteContext derives a context bounded by WriteDeadline.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteDeadline)
}

// MaintenanceContext derives a context bounded by MaintenanceDeadline.
func MaintenanceContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, MaintenanceDeadline)
}
