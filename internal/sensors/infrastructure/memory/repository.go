package memory

import (
	"context"
	"sort"
	"sync"

	sensors "airwatch-ingest/internal/sensors/domain"
)

// SensorRepository is an in-memory sensor store.
type SensorRepository struct {
	mu   sync.RWMutex
	data map[string]sensors.Sensor
}

// NewSensorRepository constructs a repository seeded with sensors.
func NewSensorRepository(seed ...sensors.Sensor) *SensorRepository {
	repo := &SensorRepository{data: make(map[string]sensors.Sensor, len(seed))}
	for _, sensor := range seed {
		repo.data[sensor.ID] = sensor.Clone()
	}
	return repo
}

// Save provisions a sensor. An existing sensor keeps its liveness state and
// only picks up the new name and reporting frequency.
func (r *SensorRepository) Save(_ context.Context, sensor sensors.Sensor) error {
	if err := sensor.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.data[sensor.ID]; ok {
		existing.Name = sensor.Name
		existing.FrequencyMinutes = sensor.FrequencyMinutes
		r.data[sensor.ID] = existing
		return nil
	}
	r.data[sensor.ID] = sensor.Clone()
	return nil
}

// Get loads a sensor by id.
func (r *SensorRepository) Get(_ context.Context, id string) (*sensors.Sensor, error) {
	r.mu.RLock()
	sensor, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	clone := sensor.Clone()
	return &clone, nil
}

// UpdateSensor applies an accepted reading. LastSeen never moves backwards and
// the status is only replaced when LastSeen advanced or stayed equal.
func (r *SensorRepository) UpdateSensor(_ context.Context, id string, update sensors.Update) (*sensors.Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sensor, ok := r.data[id]
	if !ok {
		return nil, sensors.ErrNotFound
	}
	if sensor.LastSeen == nil || !update.LastSeen.Before(*sensor.LastSeen) {
		lastSeen := update.LastSeen.UTC()
		sensor.LastSeen = &lastSeen
		sensor.Status = update.Status
	}
	sensor.IsActive = update.IsActive
	r.data[id] = sensor

	clone := sensor.Clone()
	return &clone, nil
}

// ListAll returns every sensor ordered by id.
func (r *SensorRepository) ListAll(_ context.Context) ([]sensors.Sensor, error) {
	r.mu.RLock()
	result := make([]sensors.Sensor, 0, len(r.data))
	for _, sensor := range r.data {
		result = append(result, sensor.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateStatuses applies sweep transitions whose From still matches.
func (r *SensorRepository) UpdateStatuses(_ context.Context, changes []sensors.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, change := range changes {
		sensor, ok := r.data[change.SensorID]
		if !ok || sensor.Status != change.From {
			continue
		}
		sensor.Status = change.To
		r.data[change.SensorID] = sensor
	}
	return nil
}
