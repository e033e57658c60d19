package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Device payload keys.
const (
	KeyTimestamp      = "ts"
	KeyPM1            = "PM1"
	KeyPM25           = "PM25"
	KeyPM10           = "PM10"
	KeyNO2            = "NO2"
	KeyO3             = "O3"
	KeyCO             = "CO"
	KeyNO2Corrected   = "NO2C"
	KeyO3Corrected    = "O3C"
	KeyCOCorrected    = "COC"
	KeyWorkingVoltage = "WE"
	KeyAuxVoltage     = "AE"
	KeyTemperature    = "T"
	KeyHumidity       = "RH"
	KeyPressure       = "P"
)

const (
	// DefaultRelativeThreshold separates boot counters from wall-clock epochs.
	DefaultRelativeThreshold int64 = 10_000_000_000

	millisThreshold int64 = 1_000_000_000_000
)

// Transformer maps device JSON onto the canonical Reading. It performs no I/O.
type Transformer struct {
	relativeThreshold int64
}

// TransformerOption configures a Transformer.
type TransformerOption func(*Transformer)

// WithRelativeThreshold overrides the boot-counter threshold.
func WithRelativeThreshold(threshold int64) TransformerOption {
	return func(t *Transformer) {
		if threshold > 0 {
			t.relativeThreshold = threshold
		}
	}
}

// NewTransformer constructs a transformer.
func NewTransformer(opts ...TransformerOption) Transformer {
	t := Transformer{relativeThreshold: DefaultRelativeThreshold}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// Transform builds a Reading for sensorID from the raw device payload.
// sensorID is taken from the topic or path, never from the payload.
func (t Transformer) Transform(sensorID string, payload []byte, receivedAt time.Time) (Reading, error) {
	if sensorID == "" {
		return Reading{}, &TransformError{Reason: ReasonMissingField, Field: "sensorId"}
	}
	fields, err := decodeObject(payload)
	if err != nil {
		return Reading{}, &TransformError{Reason: ReasonInvalidPayload, Field: "payload", Err: err}
	}

	threshold := t.relativeThreshold
	if threshold <= 0 {
		threshold = DefaultRelativeThreshold
	}
	observedAt, err := observedAtFrom(fields, receivedAt.UTC(), threshold)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		SensorID:   sensorID,
		ObservedAt: observedAt,
		ReceivedAt: receivedAt.UTC(),
		RawPayload: json.RawMessage(bytes.Clone(payload)),
	}

	required := []struct {
		key string
		dst *float64
	}{
		{KeyPM1, &r.PM1},
		{KeyPM25, &r.PM25},
		{KeyPM10, &r.PM10},
		{KeyWorkingVoltage, &r.WorkingVoltage},
		{KeyAuxVoltage, &r.AuxVoltage},
	}
	for _, f := range required {
		value, ok, err := numberField(fields, f.key)
		if err != nil {
			return Reading{}, err
		}
		if !ok {
			return Reading{}, &TransformError{Reason: ReasonMissingField, Field: f.key}
		}
		*f.dst = value
	}

	defaulted := []struct {
		key string
		dst *float64
	}{
		{KeyNO2, &r.NO2Raw},
		{KeyO3, &r.O3Raw},
		{KeyCO, &r.CORaw},
		{KeyNO2Corrected, &r.NO2Corrected},
		{KeyO3Corrected, &r.O3Corrected},
		{KeyCOCorrected, &r.COCorrected},
	}
	for _, f := range defaulted {
		value, _, err := numberField(fields, f.key)
		if err != nil {
			return Reading{}, err
		}
		*f.dst = value
	}

	environmental := []struct {
		key string
		dst **float64
	}{
		{KeyTemperature, &r.Temperature},
		{KeyHumidity, &r.Humidity},
		{KeyPressure, &r.Pressure},
	}
	for _, f := range environmental {
		value, ok, err := numberField(fields, f.key)
		if err != nil {
			return Reading{}, err
		}
		if ok {
			v := value
			*f.dst = &v
		}
	}
	return r, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("payload is not an object")
	}
	return fields, nil
}

func numberField(fields map[string]any, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	value, err := coerceNumber(raw)
	if err != nil {
		return 0, false, &TransformError{Reason: ReasonMalformedField, Field: key, Err: err}
	}
	return value, true, nil
}

func coerceNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return v, nil
	default:
		return 0, errors.New("not a number")
	}
}

func observedAtFrom(fields map[string]any, receivedAt time.Time, threshold int64) (time.Time, error) {
	raw, ok := fields[KeyTimestamp]
	if !ok || raw == nil {
		return time.Time{}, &TransformError{Reason: ReasonMissingField, Field: KeyTimestamp}
	}
	if _, isBool := raw.(bool); isBool {
		return time.Time{}, &TransformError{Reason: ReasonInvalidTimestamp, Field: KeyTimestamp}
	}

	// Integral values take the exact path so epochs round-trip without float error.
	if whole, ok := integerTimestamp(raw); ok {
		return convertTimestamp(whole, 0, receivedAt, threshold)
	}

	value, err := coerceNumber(raw)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value > math.MaxInt64 {
		return time.Time{}, &TransformError{Reason: ReasonInvalidTimestamp, Field: KeyTimestamp, Err: err}
	}
	whole, frac := math.Modf(value)
	return convertTimestamp(int64(whole), frac, receivedAt, threshold)
}

func integerTimestamp(raw any) (int64, bool) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func convertTimestamp(whole int64, frac float64, receivedAt time.Time, threshold int64) (time.Time, error) {
	switch {
	case whole < 0 || frac < 0:
		return time.Time{}, &TransformError{Reason: ReasonInvalidTimestamp, Field: KeyTimestamp}
	case whole < threshold:
		// Boot counter: cannot be mapped to calendar time.
		return receivedAt, nil
	case whole < millisThreshold:
		return time.Unix(whole, int64(frac*float64(time.Second))).UTC(), nil
	default:
		return time.UnixMilli(whole).Add(time.Duration(frac * float64(time.Millisecond))).UTC(), nil
	}
}
