package telemetry

import (
	"encoding/json"
	"strconv"
	"time"
)

// Reading is the canonical telemetry record every ingress path converges to.
type Reading struct {
	ID         string    `json:"id,omitempty"`
	SensorID   string    `json:"sensorId"`
	ObservedAt time.Time `json:"observedAt"`
	ReceivedAt time.Time `json:"receivedAt"`

	PM1  float64 `json:"pm1"`
	PM25 float64 `json:"pm25"`
	PM10 float64 `json:"pm10"`

	NO2Raw       float64 `json:"no2Raw"`
	O3Raw        float64 `json:"o3Raw"`
	CORaw        float64 `json:"coRaw"`
	NO2Corrected float64 `json:"no2Corrected"`
	O3Corrected  float64 `json:"o3Corrected"`
	COCorrected  float64 `json:"coCorrected"`

	WorkingVoltage float64 `json:"workingVoltage"`
	AuxVoltage     float64 `json:"auxVoltage"`

	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`

	RawPayload json.RawMessage `json:"rawPayload"`
}

// DedupKey identifies one physical event of a sensor, to the second.
func (r Reading) DedupKey() string {
	return BuildDedupKey(r.SensorID, r.ObservedAt)
}

// BuildDedupKey derives the dedup key from a sensor id and observation time.
func BuildDedupKey(sensorID string, observedAt time.Time) string {
	return sensorID + "@" + strconv.FormatInt(observedAt.UTC().Truncate(time.Second).Unix(), 10)
}

type fieldValue struct {
	name          string
	value         float64
	present       bool
	allowNegative bool
}

func (r Reading) fieldValues() []fieldValue {
	fields := []fieldValue{
		{name: "pm1", value: r.PM1, present: true},
		{name: "pm25", value: r.PM25, present: true},
		{name: "pm10", value: r.PM10, present: true},
		{name: "no2Raw", value: r.NO2Raw, present: true},
		{name: "o3Raw", value: r.O3Raw, present: true},
		{name: "coRaw", value: r.CORaw, present: true},
		{name: "no2Corrected", value: r.NO2Corrected, present: true},
		{name: "o3Corrected", value: r.O3Corrected, present: true},
		{name: "coCorrected", value: r.COCorrected, present: true},
		{name: "workingVoltage", value: r.WorkingVoltage, present: true},
		{name: "auxVoltage", value: r.AuxVoltage, present: true},
	}
	// Temperature is in degrees Celsius, the only signed channel.
	fields = append(fields,
		optionalField("temperature", r.Temperature, true),
		optionalField("humidity", r.Humidity, false),
		optionalField("pressure", r.Pressure, false),
	)
	return fields
}

func optionalField(name string, value *float64, allowNegative bool) fieldValue {
	if value == nil {
		return fieldValue{name: name, allowNegative: allowNegative}
	}
	return fieldValue{name: name, value: *value, present: true, allowNegative: allowNegative}
}
