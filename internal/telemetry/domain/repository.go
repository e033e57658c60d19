package telemetry

import "context"

// Ingress sources.
const (
	SourceMQTT    = "mqtt"
	SourceWebhook = "webhook"
)

// ReadingRepository is the document-store contract for readings.
type ReadingRepository interface {
	// CreateReading stores r and returns its id. A concurrent write of the
	// same dedup key returns the id of the stored reading.
	CreateReading(ctx context.Context, r Reading) (string, error)
	// FindByDedupKey returns the id of a stored reading with the given key.
	FindByDedupKey(ctx context.Context, sensorID, dedupKey string) (string, bool, error)
}

// ReadingQuery serves read-side lookups.
type ReadingQuery interface {
	// LatestReading returns nil, nil when the sensor has no readings.
	LatestReading(ctx context.Context, sensorID string) (*Reading, error)
}
