package metrics

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the DB-backed gauges.
type Option func(*dbTables)

// WithTables points the gauges at the tables the stores write. Empty names
// keep the defaults.
func WithTables(sensors, readings string) Option {
	return func(t *dbTables) {
		if sensors != "" {
			t.sensors = sensors
		}
		if readings != "" {
			t.readings = readings
		}
	}
}

type dbTables struct {
	sensors  string
	readings string
}

func newDBTables(opts ...Option) dbTables {
	t := dbTables{sensors: "sensors", readings: "readings"}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func (t dbTables) sensorsByStatusQuery() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE is_active AND status = $1", t.sensors)
}

func (t dbTables) readingsQuery() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", t.readings)
}

func registerDBMetrics(db *sql.DB, logger *slog.Logger, tables dbTables) {
	sensorsQuery := tables.sensorsByStatusQuery()
	readingsQuery := tables.readingsQuery()
	for _, status := range []string{"FRESH", "STALE", "DEAD"} {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "sensors",
				Help:        "Active sensors by derived status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				return queryCount(db, logger, sensorsQuery, status)
			},
		))
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "readings_total_stored",
			Help: "Stored telemetry readings",
		},
		func() float64 {
			return queryCount(db, logger, readingsQuery)
		},
	))
}

func queryCount(db *sql.DB, logger *slog.Logger, query string, args ...any) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "err", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
