package telemetry

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReading() Reading {
	return Reading{
		SensorID:       "S1",
		ObservedAt:     receivedAt.Add(-time.Minute),
		ReceivedAt:     receivedAt,
		PM1:            1,
		PM25:           2,
		PM10:           3,
		WorkingVoltage: 0.3,
		AuxVoltage:     0.2,
		RawPayload:     json.RawMessage(`{}`),
	}
}

func TestValidateAcceptsValidReading(t *testing.T) {
	r := validReading()
	cold := -12.0
	r.Temperature = &cold
	require.NoError(t, NewValidator(0).Validate(r, receivedAt))
}

func TestValidateOnlyTemperatureIsSigned(t *testing.T) {
	one := 1.0
	r := validReading()
	r.Temperature, r.Humidity, r.Pressure = &one, &one, &one

	var signed []string
	for _, f := range r.fieldValues() {
		if f.allowNegative {
			signed = append(signed, f.name)
		}
	}
	assert.Equal(t, []string{"temperature"}, signed)

	r.PM1 = 0
	require.NoError(t, NewValidator(0).Validate(r, receivedAt))
	r.WorkingVoltage = -0.01
	err := NewValidator(0).Validate(r, receivedAt)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "workingVoltage", ve.Field)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Reading)
		reason Reason
		field  string
	}{
		{"no sensor", func(r *Reading) { r.SensorID = "" }, ReasonMissingField, "sensorId"},
		{"no payload", func(r *Reading) { r.RawPayload = nil }, ReasonMissingField, "rawPayload"},
		{"zero time", func(r *Reading) { r.ObservedAt = time.Time{} }, ReasonInvalidTimestamp, "observedAt"},
		{"too far ahead", func(r *Reading) { r.ObservedAt = receivedAt.Add(6 * time.Minute) }, ReasonInvalidTimestamp, "observedAt"},
		{"negative pm", func(r *Reading) { r.PM25 = -0.1 }, ReasonOutOfRange, "pm25"},
		{"nan voltage", func(r *Reading) { r.AuxVoltage = math.NaN() }, ReasonOutOfRange, "auxVoltage"},
		{"inf gas", func(r *Reading) { r.CORaw = math.Inf(1) }, ReasonOutOfRange, "coRaw"},
		{"negative humidity", func(r *Reading) { h := -1.0; r.Humidity = &h }, ReasonOutOfRange, "humidity"},
		{"nan temperature", func(r *Reading) { v := math.NaN(); r.Temperature = &v }, ReasonOutOfRange, "temperature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validReading()
			tc.mutate(&r)
			err := NewValidator(0).Validate(r, receivedAt)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.reason, ve.Reason)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateSkewBoundary(t *testing.T) {
	r := validReading()
	r.ObservedAt = receivedAt.Add(DefaultMaxFutureSkew)
	assert.NoError(t, NewValidator(0).Validate(r, receivedAt))

	r.ObservedAt = receivedAt.Add(2 * time.Minute)
	assert.Error(t, NewValidator(time.Minute).Validate(r, receivedAt))
}

func TestSensorIDFromTopic(t *testing.T) {
	id, err := SensorIDFromTopic("sensors/abc123/data")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	for _, topic := range []string{
		"",
		"sensors/abc123",
		"sensors//data",
		"sensors/+/data",
		"sensors/abc123/data/extra",
		"devices/abc123/data",
		"sensors/abc123/status",
	} {
		_, err := SensorIDFromTopic(topic)
		assert.ErrorIs(t, err, ErrInvalidTopic, topic)
	}
}

func TestReasonAndClass(t *testing.T) {
	reason, ok := ReasonOf(&TransformError{Reason: ReasonMalformedField, Field: "PM1"})
	assert.True(t, ok)
	assert.Equal(t, ReasonMalformedField, reason)
	assert.Equal(t, ClassTransform, ClassOf(&TransformError{}))
	assert.Equal(t, ClassValidation, ClassOf(&ValidationError{}))
	assert.Equal(t, ClassUnknown, ClassOf(ErrUnknownSensor))
	assert.Equal(t, ClassRateLimited, ClassOf(ErrRateLimited))

	perr := &PersistenceError{Op: "create reading", Err: assert.AnError}
	_, ok = ReasonOf(perr)
	assert.False(t, ok)
	assert.Equal(t, ClassPersistence, ClassOf(perr))
	assert.ErrorIs(t, perr, assert.AnError)
}
