package sensors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	cases := []struct {
		name     string
		lastSeen *time.Time
		freq     int
		want     Status
	}{
		{"never seen", nil, 15, StatusDead},
		{"zero time", &time.Time{}, 15, StatusDead},
		{"just now", ago(0), 15, StatusFresh},
		{"within four intervals", ago(50 * time.Minute), 15, StatusFresh},
		{"exactly four intervals", ago(60 * time.Minute), 15, StatusFresh},
		{"past four intervals", ago(70 * time.Minute), 15, StatusStale},
		{"just under a day", ago(1439 * time.Minute), 15, StatusStale},
		{"one day", ago(1440 * time.Minute), 15, StatusDead},
		{"slow sensor within a day", ago(1000 * time.Minute), 360, StatusFresh},
		{"slow sensor after a day", ago(1441 * time.Minute), 360, StatusDead},
		{"stamped slightly ahead", ago(-time.Minute), 15, StatusFresh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.lastSeen, tc.freq, now))
		})
	}
}

func TestSensorValidate(t *testing.T) {
	assert.NoError(t, Sensor{ID: "S1", FrequencyMinutes: 15, Status: StatusDead}.Validate())
	assert.Error(t, Sensor{FrequencyMinutes: 15, Status: StatusDead}.Validate())
	assert.Error(t, Sensor{ID: "S1", Status: StatusDead}.Validate())
	assert.Error(t, Sensor{ID: "S1", FrequencyMinutes: 15, Status: "UNKNOWN"}.Validate())
}
