package sensors

import (
	"context"
	"errors"
	"time"
)

// Sensor is a provisioned field device whose liveness this service tracks.
type Sensor struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	FrequencyMinutes int        `json:"frequencyMinutes"`
	LastSeen         *time.Time `json:"lastSeen"`
	Status           Status     `json:"status"`
	IsActive         bool       `json:"isActive"`
}

// Validate checks sensor invariants.
func (s Sensor) Validate() error {
	if s.ID == "" {
		return errors.New("sensor: empty id")
	}
	if s.FrequencyMinutes <= 0 {
		return errors.New("sensor: frequency must be positive")
	}
	if !s.Status.Valid() {
		return errors.New("sensor: invalid status")
	}
	return nil
}

// Update carries the fields the accept path writes. LastSeen only ever moves
// forward: implementations keep the later of the stored and supplied instant.
type Update struct {
	LastSeen time.Time
	Status   Status
	IsActive bool
}

// StatusChange is one row of a batched sweep write.
type StatusChange struct {
	SensorID string
	From     Status
	To       Status
}

// Repository is the document-store contract for sensors.
type Repository interface {
	// Get returns nil, nil when the sensor does not exist.
	Get(ctx context.Context, id string) (*Sensor, error)
	// UpdateSensor applies an accepted reading and returns the stored state.
	UpdateSensor(ctx context.Context, id string, update Update) (*Sensor, error)
	ListAll(ctx context.Context) ([]Sensor, error)
	UpdateStatuses(ctx context.Context, changes []StatusChange) error
}

// ErrNotFound indicates the sensor does not exist.
var ErrNotFound = errors.New("sensor: not found")

// Clone returns a deep copy.
func (s Sensor) Clone() Sensor {
	if s.LastSeen != nil {
		lastSeen := *s.LastSeen
		s.LastSeen = &lastSeen
	}
	return s
}
