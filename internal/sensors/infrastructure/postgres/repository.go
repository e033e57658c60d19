package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sensors "airwatch-ingest/internal/sensors/domain"
)

const defaultSensorsTable = "sensors"

// SensorRepository is a Postgres implementation of the sensor store.
type SensorRepository struct {
	db    *sql.DB
	table string
}

// NewSensorRepository constructs a repository.
func NewSensorRepository(db *sql.DB, opts ...SensorOption) *SensorRepository {
	repo := &SensorRepository{db: db, table: defaultSensorsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SensorOption configures the repository.
type SensorOption func(*SensorRepository)

// WithSensorTable overrides the default table name.
func WithSensorTable(table string) SensorOption {
	return func(repo *SensorRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (sensors.Sensor, error) {
	var (
		sensor   sensors.Sensor
		lastSeen sql.NullTime
		status   string
	)
	if err := row.Scan(
		&sensor.ID,
		&sensor.Name,
		&sensor.FrequencyMinutes,
		&lastSeen,
		&status,
		&sensor.IsActive,
	); err != nil {
		return sensors.Sensor{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		sensor.LastSeen = &t
	}
	sensor.Status = sensors.Status(status)
	return sensor, nil
}

// Save provisions a sensor. An existing row keeps its liveness state and only
// picks up the new name and reporting frequency.
func (r *SensorRepository) Save(ctx context.Context, sensor sensors.Sensor) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if err := sensor.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, name, frequency_minutes, last_seen, status, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	frequency_minutes = EXCLUDED.frequency_minutes,
	updated_at = NOW()`, r.table)

	var lastSeen sql.NullTime
	if sensor.LastSeen != nil {
		lastSeen = sql.NullTime{Time: sensor.LastSeen.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		sensor.ID,
		sensor.Name,
		sensor.FrequencyMinutes,
		lastSeen,
		string(sensor.Status),
		sensor.IsActive,
	)
	return err
}

// Get loads a sensor by id.
func (r *SensorRepository) Get(ctx context.Context, id string) (*sensors.Sensor, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	if id == "" {
		return nil, errors.New("sensor repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, frequency_minutes, last_seen, status, is_active
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	sensor, err := scanSensor(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sensor, nil
}

// UpdateSensor applies an accepted reading. GREATEST keeps last_seen monotonic
// and the status follows only when last_seen did not move backwards.
func (r *SensorRepository) UpdateSensor(ctx context.Context, id string, update sensors.Update) (*sensors.Sensor, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET
	last_seen = GREATEST(COALESCE(last_seen, $2), $2),
	status = CASE WHEN last_seen IS NULL OR last_seen <= $2 THEN $3 ELSE status END,
	is_active = $4,
	updated_at = NOW()
WHERE id = $1
RETURNING id, name, frequency_minutes, last_seen, status, is_active`, r.table)

	sensor, err := scanSensor(r.db.QueryRowContext(
		ctx,
		query,
		id,
		update.LastSeen.UTC(),
		string(update.Status),
		update.IsActive,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sensors.ErrNotFound
		}
		return nil, err
	}
	return &sensor, nil
}

// ListAll loads every sensor.
func (r *SensorRepository) ListAll(ctx context.Context) ([]sensors.Sensor, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, name, frequency_minutes, last_seen, status, is_active
FROM %s
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sensors.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sensor)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatuses writes sweep transitions in one transaction. A row is only
// changed when its stored status still equals the status the sweep read.
func (r *SensorRepository) UpdateStatuses(ctx context.Context, changes []sensors.StatusChange) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if len(changes) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, change := range changes {
		if change.SensorID == "" || !change.To.Valid() {
			_ = tx.Rollback()
			return errors.New("sensor repo: invalid status change")
		}
		if _, err := stmt.ExecContext(ctx, change.SensorID, string(change.From), string(change.To), now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
