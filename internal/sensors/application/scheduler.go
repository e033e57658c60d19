package application

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the staleness sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Scheduler triggers the status sweep on a fixed interval.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Start runs one sweep immediately and then one per interval until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("status sweep failed", "err", err)
		return
	}
	s.logger.Debug("status sweep done", "checked", result.Checked, "changed", len(result.Changes))
}
