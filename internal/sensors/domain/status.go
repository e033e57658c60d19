package sensors

import "time"

// Status is the derived health tier of a sensor.
type Status string

const (
	StatusFresh Status = "FRESH"
	StatusStale Status = "STALE"
	StatusDead  Status = "DEAD"
)

const (
	// DeadAfterMinutes is the silence after which a sensor is DEAD regardless of frequency.
	DeadAfterMinutes = 1440
	// StaleFactor multiplies the reporting frequency to get the STALE threshold.
	StaleFactor = 4
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFresh, StatusStale, StatusDead:
		return true
	}
	return false
}

// DeriveStatus classifies a sensor from its last report. It is total and pure.
func DeriveStatus(lastSeen *time.Time, frequencyMinutes int, now time.Time) Status {
	if lastSeen == nil || lastSeen.IsZero() {
		return StatusDead
	}
	elapsed := now.Sub(*lastSeen).Minutes()
	switch {
	case elapsed >= DeadAfterMinutes:
		return StatusDead
	case elapsed > float64(frequencyMinutes*StaleFactor):
		return StatusStale
	default:
		return StatusFresh
	}
}
