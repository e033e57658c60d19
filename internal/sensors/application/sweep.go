package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"airwatch-ingest/internal/observability/metrics"
	sensors "airwatch-ingest/internal/sensors/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked int
	Changes []sensors.StatusChange
}

// Sweeper recomputes every sensor's status from elapsed time. It is the only
// path that demotes a sensor when readings stop arriving.
type Sweeper struct {
	repo   sensors.Repository
	clock  Clock
	logger *slog.Logger
}

// SweeperOption customizes the sweeper.
type SweeperOption func(*Sweeper)

// WithClock assigns a clock.
func WithClock(clock Clock) SweeperOption {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSweeper constructs a sweeper.
func NewSweeper(repo sensors.Repository, opts ...SweeperOption) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("sweep: nil sensor repository")
	}
	s := &Sweeper{repo: repo, clock: systemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep derives the status of every sensor at the current time and writes
// only the sensors whose status changed, in one batch.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	result, err := s.sweepAt(ctx, s.clock.Now())
	metrics.ObserveSweep(err, time.Since(start))
	return result, err
}

func (s *Sweeper) sweepAt(ctx context.Context, now time.Time) (SweepResult, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Checked: len(all)}
	for _, sensor := range all {
		next := sensors.DeriveStatus(sensor.LastSeen, sensor.FrequencyMinutes, now)
		if next == sensor.Status {
			continue
		}
		result.Changes = append(result.Changes, sensors.StatusChange{
			SensorID: sensor.ID,
			From:     sensor.Status,
			To:       next,
		})
	}
	if len(result.Changes) == 0 {
		return result, nil
	}

	if err := s.repo.UpdateStatuses(ctx, result.Changes); err != nil {
		return result, err
	}
	for _, change := range result.Changes {
		metrics.IncSweepChange(string(change.To))
		s.logger.Info("sensor status changed", "sensor", change.SensorID, "from", change.From, "to", change.To)
	}
	return result, nil
}
