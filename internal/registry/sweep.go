package registry

import (
	"context"
	"time"
)

// RunSweeper drives the periodic eligibility sweep until ctx is cancelled.
// One pass runs immediately on start so a restart never extends the decay
// window.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "eligibility sweeper started", "interval", interval.String())

	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "eligibility sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "eligibility sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "eligibility sweep failed", "error", err)
			}
		}
	}
}
