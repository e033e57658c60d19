package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sensors "airwatch-ingest/internal/sensors/domain"
	"airwatch-ingest/internal/sensors/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// countingRepo records batched status writes.
type countingRepo struct {
	*memory.SensorRepository
	writes  int
	changes []sensors.StatusChange
	listErr error
}

func (r *countingRepo) ListAll(ctx context.Context) ([]sensors.Sensor, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.SensorRepository.ListAll(ctx)
}

func (r *countingRepo) UpdateStatuses(ctx context.Context, changes []sensors.StatusChange) error {
	r.writes++
	r.changes = append(r.changes, changes...)
	return r.SensorRepository.UpdateStatuses(ctx, changes)
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	ts := now.Add(-d)
	return &ts
}

func TestNewSweeperRequiresRepo(t *testing.T) {
	_, err := NewSweeper(nil)
	require.Error(t, err)
}

func TestSweepWritesOnlyChangedSensors(t *testing.T) {
	repo := &countingRepo{SensorRepository: memory.NewSensorRepository(
		sensors.Sensor{ID: "S1", FrequencyMinutes: 15, LastSeen: at(70 * time.Minute), Status: sensors.StatusFresh},
		sensors.Sensor{ID: "S2", FrequencyMinutes: 15, LastSeen: at(5 * time.Minute), Status: sensors.StatusFresh},
		sensors.Sensor{ID: "S3", FrequencyMinutes: 15, Status: sensors.StatusDead},
		sensors.Sensor{ID: "S4", FrequencyMinutes: 15, LastSeen: at(2 * 24 * time.Hour), Status: sensors.StatusStale},
	)}
	sweeper, err := NewSweeper(repo, WithClock(fixedClock{now: now}))
	require.NoError(t, err)

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Checked)
	assert.Equal(t, 1, repo.writes)
	assert.ElementsMatch(t, []sensors.StatusChange{
		{SensorID: "S1", From: sensors.StatusFresh, To: sensors.StatusStale},
		{SensorID: "S4", From: sensors.StatusStale, To: sensors.StatusDead},
	}, repo.changes)

	s1, err := repo.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusStale, s1.Status)

	// A second sweep at the same instant has nothing to write.
	result, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Changes)
	assert.Equal(t, 1, repo.writes)
}

func TestSweepPropagatesListError(t *testing.T) {
	repo := &countingRepo{SensorRepository: memory.NewSensorRepository(), listErr: errors.New("timeout")}
	sweeper, err := NewSweeper(repo)
	require.NoError(t, err)

	_, err = sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, repo.writes)
}

func TestSchedulerSweepsImmediately(t *testing.T) {
	repo := &countingRepo{SensorRepository: memory.NewSensorRepository(
		sensors.Sensor{ID: "S1", FrequencyMinutes: 15, LastSeen: at(70 * time.Minute), Status: sensors.StatusFresh},
	)}
	sweeper, err := NewSweeper(repo, WithClock(fixedClock{now: now}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(sweeper, time.Hour, nil).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s, _ := repo.Get(context.Background(), "S1")
		return s.Status == sensors.StatusStale
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
