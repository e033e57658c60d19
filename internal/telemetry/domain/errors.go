package telemetry

import (
	"errors"
	"fmt"
)

// Reason is a typed rejection reason surfaced to callers and metrics.
type Reason string

const (
	ReasonMissingField     Reason = "missing_field"
	ReasonMalformedField   Reason = "malformed_field"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonInvalidPayload   Reason = "invalid_payload"
	ReasonInvalidTopic     Reason = "invalid_topic"
	ReasonUnknownSensor    Reason = "unknown_sensor"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonUnauthorized     Reason = "unauthorized"
)

// Error classes of the ingestion taxonomy.
const (
	ClassTransform   = "transform_error"
	ClassValidation  = "validation_error"
	ClassUnknown     = "unknown_sensor"
	ClassRateLimited = "rate_limited"
	ClassPersistence = "persistence_error"
	ClassTransport   = "transport_error"
)

var (
	// ErrUnknownSensor indicates the addressed sensor is not provisioned.
	ErrUnknownSensor = errors.New("telemetry: unknown sensor")
	// ErrRateLimited indicates the caller exceeded its ingestion window.
	ErrRateLimited = errors.New("telemetry: rate limited")
	// ErrInvalidTopic indicates a topic outside sensors/{id}/data.
	ErrInvalidTopic = errors.New("telemetry: invalid topic")
)

// TransformError reports a device payload that cannot be mapped to a Reading.
type TransformError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *TransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transform %s: %s: %v", e.Reason, e.Field, e.Err)
	}
	return fmt.Sprintf("transform %s: %s", e.Reason, e.Field)
}

func (e *TransformError) Unwrap() error { return e.Err }

// ValidationError reports a Reading that violates the canonical invariants.
type ValidationError struct {
	Reason Reason
	Field  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %s", e.Reason, e.Field)
}

// PersistenceError wraps an infrastructure failure of the document store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReasonOf extracts the rejection reason of an expected-bad input error.
// The second result is false for infrastructure errors.
func ReasonOf(err error) (Reason, bool) {
	var te *TransformError
	if errors.As(err, &te) {
		return te.Reason, true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	switch {
	case errors.Is(err, ErrUnknownSensor):
		return ReasonUnknownSensor, true
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited, true
	case errors.Is(err, ErrInvalidTopic):
		return ReasonInvalidTopic, true
	}
	return "", false
}

// ClassOf maps an error onto the ingestion taxonomy.
func ClassOf(err error) string {
	var te *TransformError
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te), errors.Is(err, ErrInvalidTopic):
		return ClassTransform
	case errors.As(err, &ve):
		return ClassValidation
	case errors.Is(err, ErrUnknownSensor):
		return ClassUnknown
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	default:
		return ClassPersistence
	}
}
