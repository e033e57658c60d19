package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	telemetry "airwatch-ingest/internal/telemetry/domain"
)

// ReadingRepository is an in-memory reading store with a unique dedup index.
type ReadingRepository struct {
	mu       sync.RWMutex
	readings map[string]telemetry.Reading
	byKey    map[string]string
	latest   map[string]string
}

// NewReadingRepository constructs an empty repository.
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{
		readings: make(map[string]telemetry.Reading),
		byKey:    make(map[string]string),
		latest:   make(map[string]string),
	}
}

// CreateReading stores r unless its dedup key is taken, in which case the
// existing id is returned.
func (r *ReadingRepository) CreateReading(_ context.Context, reading telemetry.Reading) (string, error) {
	if reading.SensorID == "" {
		return "", errors.New("reading repo: empty sensor id")
	}
	key := reading.DedupKey()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		return id, nil
	}
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	r.readings[reading.ID] = reading
	r.byKey[key] = reading.ID

	if prev, ok := r.latest[reading.SensorID]; !ok || !reading.ObservedAt.Before(r.readings[prev].ObservedAt) {
		r.latest[reading.SensorID] = reading.ID
	}
	return reading.ID, nil
}

// FindByDedupKey looks a reading up by its dedup key.
func (r *ReadingRepository) FindByDedupKey(_ context.Context, sensorID, dedupKey string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[dedupKey]
	if !ok || r.readings[id].SensorID != sensorID {
		return "", false, nil
	}
	return id, true, nil
}

// LatestReading returns the reading with the greatest observation time.
func (r *ReadingRepository) LatestReading(_ context.Context, sensorID string) (*telemetry.Reading, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.latest[sensorID]
	if !ok {
		return nil, nil
	}
	reading := r.readings[id]
	return &reading, nil
}

// Count reports the number of stored readings.
func (r *ReadingRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readings)
}
