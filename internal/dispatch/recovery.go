package dispatch

import (
	"context"
	"time"
)

// RunRecovery drives the crash-recovery scan until ctx is cancelled. One pass
// runs immediately so entries stranded by the previous process are picked up
// at startup, before new traffic arrives.
func (d *Dispatcher) RunRecovery(ctx context.Context, interval, grace time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "dispatch recovery started",
		"interval", interval.String(), "grace", grace.String())

	d.Recover(ctx, grace, batch)

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "dispatch recovery stopped")
			return
		case <-ticker.C:
			d.Recover(ctx, grace, batch)
		}
	}
}

// Recover re-dispatches inbox entries stuck in a non-terminal state for
// longer than grace. Entries in processing were abandoned mid-flight by a
// crashed instance; they are re-claimed with a state-conditional update from
// that state, so a worker that is merely slow cannot be double-claimed.
func (d *Dispatcher) Recover(ctx context.Context, grace time.Duration, batch int) {
	olderThan := d.now().UTC().Add(-grace)

	entries, err := d.repo.ScanUnprocessed(ctx, olderThan, batch)
	if err != nil {
		d.logger.ErrorContext(ctx, "recovery scan failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	d.logger.InfoContext(ctx, "recovering stranded inbox entries", "count", len(entries))
	for _, entry := range entries {
		d.metrics.QueueRecovered.Inc()
		d.process(ctx, entry.ID, entry.LifecycleState)
	}
}
