package ingestmetrics

import (
	"context"
	"time"
)

// Outcome classifies how an ingestion attempt ended.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Event records one ingestion attempt. Events are immutable once recorded.
type Event struct {
	RequestID            string    `json:"requestId"`
	Source               string    `json:"source"`
	ReceivedAt           time.Time `json:"receivedAt"`
	ProcessingDurationMs int64     `json:"processingDurationMs"`
	Outcome              Outcome   `json:"outcome"`
	RejectReason         string    `json:"rejectReason,omitempty"`
	SensorID             string    `json:"sensorId,omitempty"`
	PayloadSizeBytes     int       `json:"payloadSizeBytes"`
	Duplicate            bool      `json:"duplicate"`
}

// EventSink persists batches of events.
type EventSink interface {
	WriteEvents(ctx context.Context, events []Event) error
}
