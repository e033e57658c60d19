package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	sensors "airwatch-ingest/internal/sensors/domain"
	telemetry "airwatch-ingest/internal/telemetry/domain"
)

const snapshotPrefix = "/api/v1/sensors/"

// SnapshotHandler serves GET /api/v1/sensors/{id}.
type SnapshotHandler struct {
	sensors  sensors.Repository
	readings telemetry.ReadingQuery
	logger   *slog.Logger
}

// NewSnapshotHandler constructs a snapshot handler.
func NewSnapshotHandler(sensorRepo sensors.Repository, readings telemetry.ReadingQuery, logger *slog.Logger) (*SnapshotHandler, error) {
	if sensorRepo == nil {
		return nil, errors.New("sensor snapshot: nil sensor repository")
	}
	if readings == nil {
		return nil, errors.New("sensor snapshot: nil reading query")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotHandler{sensors: sensorRepo, readings: readings, logger: logger.With("component", "sensor_snapshot")}, nil
}

type snapshot struct {
	sensors.Sensor
	LatestReading *telemetry.Reading `json:"latestReading"`
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, snapshotPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid sensor id", http.StatusBadRequest)
		return
	}

	sensor, err := h.sensors.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("get sensor failed", "sensor", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sensor == nil {
		http.Error(w, "sensor not found", http.StatusNotFound)
		return
	}
	latest, err := h.readings.LatestReading(r.Context(), id)
	if err != nil {
		h.logger.Error("latest reading failed", "sensor", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot{Sensor: *sensor, LatestReading: latest})
}
