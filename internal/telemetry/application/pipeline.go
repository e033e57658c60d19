package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"airwatch-ingest/internal/fanout"
	"airwatch-ingest/internal/ingestmetrics"
	"airwatch-ingest/internal/observability/metrics"
	"airwatch-ingest/internal/ratelimit"
	sensors "airwatch-ingest/internal/sensors/domain"
	telemetry "airwatch-ingest/internal/telemetry/domain"
)

// Ingress is one raw delivery from either ingress path.
type Ingress struct {
	SensorID   string
	Payload    []byte
	ClientID   string
	RemoteAddr string
	Source     string
	ReceivedAt time.Time
}

// Result describes an accepted reading.
type Result struct {
	RequestID  string
	ReadingID  string
	SensorID   string
	Status     sensors.Status
	Duplicate  bool
	RetryAfter time.Duration
}

// RateLimiter decides whether a caller may ingest now.
type RateLimiter interface {
	Allow(ctx context.Context, clientID, sourceAddress string) ratelimit.Decision
}

// EventRecorder receives one event per ingestion attempt.
type EventRecorder interface {
	Record(event ingestmetrics.Event)
}

// Notifier receives accepted, non-duplicate readings.
type Notifier interface {
	Publish(n fanout.Notification)
}

// Pipeline is the single accept path shared by the broker listener and the
// webhook receiver.
type Pipeline struct {
	sensors     sensors.Repository
	readings    telemetry.ReadingRepository
	transformer telemetry.Transformer
	validator   telemetry.Validator
	limiter     RateLimiter
	recorder    EventRecorder
	notifier    Notifier
	now         func() time.Time
	logger      *slog.Logger
}

// Option customizes the pipeline.
type Option func(*Pipeline)

// WithTransformer overrides the default transformer.
func WithTransformer(t telemetry.Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithValidator overrides the default validator.
func WithValidator(v telemetry.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithRateLimiter enables rate limiting.
func WithRateLimiter(l RateLimiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithRecorder enables ingestion events.
func WithRecorder(r EventRecorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithNotifier enables fan-out.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(sensorRepo sensors.Repository, readingRepo telemetry.ReadingRepository, opts ...Option) (*Pipeline, error) {
	if sensorRepo == nil {
		return nil, errors.New("pipeline: nil sensor repository")
	}
	if readingRepo == nil {
		return nil, errors.New("pipeline: nil reading repository")
	}
	p := &Pipeline{
		sensors:     sensorRepo,
		readings:    readingRepo,
		transformer: telemetry.NewTransformer(),
		validator:   telemetry.NewValidator(telemetry.DefaultMaxFutureSkew),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")
	return p, nil
}

// Accept runs rate limit, sensor lookup, transform, validate, dedup, write,
// sensor update and fan-out for one delivery. Expected-bad input yields a
// typed error (see telemetry.ReasonOf); anything else is a persistence error.
func (p *Pipeline) Accept(ctx context.Context, in Ingress) (Result, error) {
	start := time.Now()
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = p.now()
	}
	requestID := uuid.NewString()

	result, err := p.accept(ctx, in)
	result.RequestID = requestID
	p.finish(in, requestID, result, err, time.Since(start))
	return result, err
}

// Reject records an attempt refused before it reached Accept, such as a bad
// bearer token or a topic outside sensors/{id}/data.
func (p *Pipeline) Reject(in Ingress, reason telemetry.Reason) {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = p.now()
	}
	metrics.IncIngestRejected(in.Source, string(reason))
	metrics.ObserveIngest(in.Source, string(ingestmetrics.OutcomeRejected), 0)
	p.record(ingestmetrics.Event{
		RequestID:        uuid.NewString(),
		Source:           in.Source,
		ReceivedAt:       in.ReceivedAt,
		Outcome:          ingestmetrics.OutcomeRejected,
		RejectReason:     string(reason),
		SensorID:         in.SensorID,
		PayloadSizeBytes: len(in.Payload),
	})
}

func (p *Pipeline) accept(ctx context.Context, in Ingress) (Result, error) {
	result := Result{SensorID: in.SensorID}

	if p.limiter != nil {
		decision := p.limiter.Allow(ctx, in.ClientID, in.RemoteAddr)
		if !decision.Allowed {
			result.RetryAfter = decision.RetryAfter
			return result, telemetry.ErrRateLimited
		}
	}

	sensor, err := p.sensors.Get(ctx, in.SensorID)
	if err != nil {
		return result, &telemetry.PersistenceError{Op: "get sensor", Err: err}
	}
	if sensor == nil {
		return result, fmt.Errorf("%w: %s", telemetry.ErrUnknownSensor, in.SensorID)
	}
	result.Status = sensor.Status

	reading, err := p.transformer.Transform(in.SensorID, in.Payload, in.ReceivedAt)
	if err != nil {
		return result, err
	}
	if err := p.validator.Validate(reading, in.ReceivedAt); err != nil {
		return result, err
	}

	key := reading.DedupKey()
	existing, found, err := p.readings.FindByDedupKey(ctx, in.SensorID, key)
	if err != nil {
		return result, &telemetry.PersistenceError{Op: "find reading", Err: err}
	}
	if found {
		result.ReadingID = existing
		result.Duplicate = true
	} else {
		reading.ID = uuid.NewString()
		id, err := p.readings.CreateReading(ctx, reading)
		if err != nil {
			return result, &telemetry.PersistenceError{Op: "create reading", Err: err}
		}
		result.ReadingID = id
		// A different id means a concurrent delivery stored it first.
		result.Duplicate = id != reading.ID
		reading.ID = id
	}

	// Duplicates still apply the sensor update: a redelivery after a failed
	// update must not leave the sensor behind. The store keeps LastSeen
	// monotonic, so repeating it is harmless.
	updated, err := p.sensors.UpdateSensor(ctx, in.SensorID, sensors.Update{
		LastSeen: reading.ObservedAt,
		Status:   sensors.DeriveStatus(&reading.ObservedAt, sensor.FrequencyMinutes, p.now()),
		IsActive: true,
	})
	if err != nil {
		return result, &telemetry.PersistenceError{Op: "update sensor", Err: err}
	}
	result.Status = updated.Status

	if p.notifier != nil && !result.Duplicate {
		p.notifier.Publish(fanout.Notification{
			SensorID:   in.SensorID,
			Status:     updated.Status,
			ObservedAt: reading.ObservedAt,
			ReadingID:  reading.ID,
			Payload:    reading,
		})
	}
	return result, nil
}

func (p *Pipeline) finish(in Ingress, requestID string, result Result, err error, elapsed time.Duration) {
	event := ingestmetrics.Event{
		RequestID:            requestID,
		Source:               in.Source,
		ReceivedAt:           in.ReceivedAt,
		ProcessingDurationMs: elapsed.Milliseconds(),
		SensorID:             in.SensorID,
		PayloadSizeBytes:     len(in.Payload),
		Duplicate:            result.Duplicate,
	}

	if err == nil {
		event.Outcome = ingestmetrics.OutcomeAccepted
		if result.Duplicate {
			metrics.IncIngestDuplicate(in.Source)
			p.logger.Debug("duplicate reading", "sensor", in.SensorID, "reading", result.ReadingID, "request_id", requestID)
		}
	} else if reason, ok := telemetry.ReasonOf(err); ok {
		event.Outcome = ingestmetrics.OutcomeRejected
		event.RejectReason = string(reason)
		metrics.IncIngestRejected(in.Source, string(reason))
		p.logger.Info("reading rejected", "sensor", in.SensorID, "source", in.Source, "reason", reason, "class", telemetry.ClassOf(err), "request_id", requestID, "err", err)
	} else {
		event.Outcome = ingestmetrics.OutcomeError
		p.logger.Error("reading not stored", "sensor", in.SensorID, "source", in.Source, "class", telemetry.ClassOf(err), "request_id", requestID, "err", err)
	}

	metrics.ObserveIngest(in.Source, string(event.Outcome), elapsed)
	p.record(event)
}

func (p *Pipeline) record(event ingestmetrics.Event) {
	if p.recorder != nil {
		p.recorder.Record(event)
	}
}
