package telemetry

import (
	"math"
	"time"
)

// DefaultMaxFutureSkew bounds how far ahead of ingestion a reading may be stamped.
const DefaultMaxFutureSkew = 5 * time.Minute

// Validator rejects readings that break the canonical invariants.
type Validator struct {
	MaxFutureSkew time.Duration
}

// NewValidator constructs a validator; non-positive skew selects the default.
func NewValidator(maxFutureSkew time.Duration) Validator {
	if maxFutureSkew <= 0 {
		maxFutureSkew = DefaultMaxFutureSkew
	}
	return Validator{MaxFutureSkew: maxFutureSkew}
}

// Validate checks r against ingestion time now. Expected-bad input yields a
// *ValidationError; Validate never panics on malformed readings.
func (v Validator) Validate(r Reading, now time.Time) error {
	if r.SensorID == "" {
		return &ValidationError{Reason: ReasonMissingField, Field: "sensorId"}
	}
	if len(r.RawPayload) == 0 {
		return &ValidationError{Reason: ReasonMissingField, Field: "rawPayload"}
	}
	if r.ObservedAt.IsZero() {
		return &ValidationError{Reason: ReasonInvalidTimestamp, Field: "observedAt"}
	}
	skew := v.MaxFutureSkew
	if skew <= 0 {
		skew = DefaultMaxFutureSkew
	}
	if r.ObservedAt.After(now.Add(skew)) {
		return &ValidationError{Reason: ReasonInvalidTimestamp, Field: "observedAt"}
	}

	for _, f := range r.fieldValues() {
		if !f.present {
			continue
		}
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &ValidationError{Reason: ReasonOutOfRange, Field: f.name}
		}
		if f.value < 0 && !f.allowNegative {
			return &ValidationError{Reason: ReasonOutOfRange, Field: f.name}
		}
	}
	return nil
}
