package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	telemetry "airwatch-ingest/internal/telemetry/domain"
)

const defaultReadingsTable = "readings"

// ReadingRepository is a Postgres reading store.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *sql.DB, opts ...Option) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Option configures the repository.
type Option func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// CreateReading inserts a reading. The unique (sensor_id, dedup_key) index
// turns a concurrent duplicate into a lookup of the winner's id.
func (r *ReadingRepository) CreateReading(ctx context.Context, reading telemetry.Reading) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("reading repo: nil db")
	}
	if reading.SensorID == "" {
		return "", errors.New("reading repo: empty sensor id")
	}
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	raw := reading.RawPayload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, sensor_id, dedup_key, observed_at, received_at,
	pm1, pm25, pm10,
	no2_raw, o3_raw, co_raw, no2_corrected, o3_corrected, co_corrected,
	working_voltage, aux_voltage,
	temperature, humidity, pressure,
	raw_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (sensor_id, dedup_key) DO NOTHING
RETURNING id`, r.table)

	var id string
	err := r.db.QueryRowContext(
		ctx,
		query,
		reading.ID,
		reading.SensorID,
		reading.DedupKey(),
		reading.ObservedAt.UTC(),
		reading.ReceivedAt.UTC(),
		reading.PM1,
		reading.PM25,
		reading.PM10,
		reading.NO2Raw,
		reading.O3Raw,
		reading.CORaw,
		reading.NO2Corrected,
		reading.O3Corrected,
		reading.COCorrected,
		reading.WorkingVoltage,
		reading.AuxVoltage,
		nullFloat(reading.Temperature),
		nullFloat(reading.Humidity),
		nullFloat(reading.Pressure),
		[]byte(raw),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	existing, ok, err := r.FindByDedupKey(ctx, reading.SensorID, reading.DedupKey())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("reading repo: conflicting row vanished")
	}
	return existing, nil
}

// FindByDedupKey looks a reading up by its dedup key.
func (r *ReadingRepository) FindByDedupKey(ctx context.Context, sensorID, dedupKey string) (string, bool, error) {
	if r == nil || r.db == nil {
		return "", false, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id
FROM %s
WHERE sensor_id = $1 AND dedup_key = $2
LIMIT 1`, r.table)

	var id string
	if err := r.db.QueryRowContext(ctx, query, sensorID, dedupKey).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// LatestReading returns the most recently observed reading of a sensor.
func (r *ReadingRepository) LatestReading(ctx context.Context, sensorID string) (*telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, sensor_id, observed_at, received_at,
	pm1, pm25, pm10,
	no2_raw, o3_raw, co_raw, no2_corrected, o3_corrected, co_corrected,
	working_voltage, aux_voltage,
	temperature, humidity, pressure,
	raw_payload
FROM %s
WHERE sensor_id = $1
ORDER BY observed_at DESC
LIMIT 1`, r.table)

	var (
		reading                         telemetry.Reading
		temperature, humidity, pressure sql.NullFloat64
		raw                             []byte
	)
	err := r.db.QueryRowContext(ctx, query, sensorID).Scan(
		&reading.ID,
		&reading.SensorID,
		&reading.ObservedAt,
		&reading.ReceivedAt,
		&reading.PM1,
		&reading.PM25,
		&reading.PM10,
		&reading.NO2Raw,
		&reading.O3Raw,
		&reading.CORaw,
		&reading.NO2Corrected,
		&reading.O3Corrected,
		&reading.COCorrected,
		&reading.WorkingVoltage,
		&reading.AuxVoltage,
		&temperature,
		&humidity,
		&pressure,
		&raw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	reading.ObservedAt = reading.ObservedAt.UTC()
	reading.ReceivedAt = reading.ReceivedAt.UTC()
	reading.Temperature = floatPtr(temperature)
	reading.Humidity = floatPtr(humidity)
	reading.Pressure = floatPtr(pressure)
	reading.RawPayload = json.RawMessage(raw)
	return &reading, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
