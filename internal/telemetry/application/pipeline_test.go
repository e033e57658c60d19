package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-ingest/internal/fanout"
	"airwatch-ingest/internal/ingestmetrics"
	"airwatch-ingest/internal/ratelimit"
	ratememory "airwatch-ingest/internal/ratelimit/infrastructure/memory"
	sensors "airwatch-ingest/internal/sensors/domain"
	sensormemory "airwatch-ingest/internal/sensors/infrastructure/memory"
	telemetry "airwatch-ingest/internal/telemetry/domain"
	readingmemory "airwatch-ingest/internal/telemetry/infrastructure/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []ingestmetrics.Event
}

func (l *eventLog) Record(e ingestmetrics.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) last(t *testing.T) ingestmetrics.Event {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.events)
	return l.events[len(l.events)-1]
}

type fixture struct {
	pipeline *Pipeline
	sensors  *sensormemory.SensorRepository
	readings *readingmemory.ReadingRepository
	events   *eventLog
	sub      *fanout.Subscription
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sensors: sensormemory.NewSensorRepository(sensors.Sensor{
			ID:               "S1",
			Name:             "Roof",
			FrequencyMinutes: 15,
			Status:           sensors.StatusDead,
		}),
		readings: readingmemory.NewReadingRepository(),
		events:   &eventLog{},
	}
	hub := fanout.NewHub()
	f.sub = hub.Subscribe("test", 8)

	base := []Option{
		WithRecorder(f.events),
		WithNotifier(hub),
		WithNow(func() time.Time { return now }),
	}
	p, err := NewPipeline(f.sensors, f.readings, append(base, opts...)...)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func payload(ts string) []byte {
	return []byte(`{"ts":` + ts + `,"PM1":12,"PM25":17,"PM10":20,"WE":0.31,"AE":0.29,"T":-3.5}`)
}

func ingress(body []byte) Ingress {
	return Ingress{
		SensorID:   "S1",
		Payload:    body,
		ClientID:   "bridge",
		RemoteAddr: "10.0.0.1",
		Source:     telemetry.SourceWebhook,
		ReceivedAt: now,
	}
}

func TestNewPipelineValidatesDependencies(t *testing.T) {
	_, err := NewPipeline(nil, readingmemory.NewReadingRepository())
	require.Error(t, err)
	_, err = NewPipeline(sensormemory.NewSensorRepository(), nil)
	require.Error(t, err)
}

func TestAcceptStoresReadingAndPromotesSensor(t *testing.T) {
	f := newFixture(t)
	observed := now.Add(-2 * time.Minute)

	res, err := f.pipeline.Accept(context.Background(), ingress(payload("1717243080000")))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.ReadingID)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, sensors.StatusFresh, res.Status)
	assert.Equal(t, 1, f.readings.Count())

	sensor, err := f.sensors.Get(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, sensor.LastSeen)
	assert.True(t, observed.Equal(*sensor.LastSeen))
	assert.Equal(t, sensors.StatusFresh, sensor.Status)
	assert.True(t, sensor.IsActive)

	select {
	case n := <-f.sub.C():
		assert.Equal(t, res.ReadingID, n.ReadingID)
		assert.Equal(t, sensors.StatusFresh, n.Status)
		assert.True(t, observed.Equal(n.ObservedAt))
	default:
		t.Fatal("expected a notification")
	}

	event := f.events.last(t)
	assert.Equal(t, ingestmetrics.OutcomeAccepted, event.Outcome)
	assert.Equal(t, "S1", event.SensorID)
	assert.Equal(t, res.RequestID, event.RequestID)
}

func TestAcceptRelativeTimestampUsesReceivedAt(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Accept(context.Background(), ingress(payload("49")))
	require.NoError(t, err)

	latest, err := f.readings.LatestReading(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, now.Equal(latest.ObservedAt))
}

func TestAcceptDuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Accept(ctx, ingress(payload("1717243080000")))
	require.NoError(t, err)
	<-f.sub.C()

	// Same second, different milliseconds.
	second, err := f.pipeline.Accept(ctx, ingress(payload("1717243080400")))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ReadingID, second.ReadingID)
	assert.Equal(t, 1, f.readings.Count())
	assert.Empty(t, f.sub.C())
	assert.True(t, f.events.last(t).Duplicate)
}

func TestAcceptOlderReadingDoesNotRegressLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Accept(ctx, ingress(payload("1717243080000")))
	require.NoError(t, err)
	_, err = f.pipeline.Accept(ctx, ingress(payload("1717239600000")))
	require.NoError(t, err)

	sensor, err := f.sensors.Get(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, now.Add(-2*time.Minute).Equal(*sensor.LastSeen))
	assert.Equal(t, 2, f.readings.Count())
}

func TestAcceptUnknownSensor(t *testing.T) {
	f := newFixture(t)
	in := ingress(payload("49"))
	in.SensorID = "nope"

	_, err := f.pipeline.Accept(context.Background(), in)
	require.ErrorIs(t, err, telemetry.ErrUnknownSensor)

	event := f.events.last(t)
	assert.Equal(t, ingestmetrics.OutcomeRejected, event.Outcome)
	assert.Equal(t, string(telemetry.ReasonUnknownSensor), event.RejectReason)
}

func TestAcceptTypedRejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason telemetry.Reason
	}{
		{"missing pm25", `{"ts":49,"PM1":1,"PM10":1,"WE":1,"AE":1}`, telemetry.ReasonMissingField},
		{"malformed pm1", `{"ts":49,"PM1":"abc","PM25":1,"PM10":1,"WE":1,"AE":1}`, telemetry.ReasonMalformedField},
		{"negative pm10", `{"ts":49,"PM1":1,"PM25":1,"PM10":-1,"WE":1,"AE":1}`, telemetry.ReasonOutOfRange},
		{"future", `{"ts":1717250400000,"PM1":1,"PM25":1,"PM10":1,"WE":1,"AE":1}`, telemetry.ReasonInvalidTimestamp},
		{"not json", `nope`, telemetry.ReasonInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.pipeline.Accept(context.Background(), ingress([]byte(tc.body)))
			require.Error(t, err)
			reason, ok := telemetry.ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.reason, reason)
			assert.Equal(t, 0, f.readings.Count())
			assert.Equal(t, string(tc.reason), f.events.last(t).RejectReason)
		})
	}
}

func TestAcceptRateLimitedDoesNotMutate(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(ratememory.NewCounterStore(), ratelimit.WithMax(1), ratelimit.WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	f := newFixture(t, WithRateLimiter(limiter))
	ctx := context.Background()

	_, err = f.pipeline.Accept(ctx, ingress(payload("1717243080000")))
	require.NoError(t, err)
	before, _ := f.sensors.Get(ctx, "S1")

	res, err := f.pipeline.Accept(ctx, ingress(payload("1717243140000")))
	require.ErrorIs(t, err, telemetry.ErrRateLimited)
	assert.Equal(t, time.Minute, res.RetryAfter)
	assert.Equal(t, 1, f.readings.Count())

	after, _ := f.sensors.Get(ctx, "S1")
	assert.Equal(t, before, after)
	assert.Equal(t, string(telemetry.ReasonRateLimited), f.events.last(t).RejectReason)
}

type failingReadings struct{}

func (failingReadings) CreateReading(context.Context, telemetry.Reading) (string, error) {
	return "", errors.New("disk full")
}

func (failingReadings) FindByDedupKey(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func TestAcceptPersistenceFailureIsErrorOutcome(t *testing.T) {
	repo := sensormemory.NewSensorRepository(sensors.Sensor{ID: "S1", FrequencyMinutes: 15, Status: sensors.StatusDead})
	events := &eventLog{}
	p, err := NewPipeline(repo, failingReadings{}, WithRecorder(events), WithNow(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = p.Accept(context.Background(), ingress(payload("49")))
	var perr *telemetry.PersistenceError
	require.ErrorAs(t, err, &perr)
	_, expected := telemetry.ReasonOf(err)
	assert.False(t, expected)
	assert.Equal(t, ingestmetrics.OutcomeError, events.last(t).Outcome)

	sensor, _ := repo.Get(context.Background(), "S1")
	assert.Nil(t, sensor.LastSeen)
}

// flakySensors fails the first UpdateSensor after the reading is stored.
type flakySensors struct {
	*sensormemory.SensorRepository
	failures int
}

func (s *flakySensors) UpdateSensor(ctx context.Context, id string, update sensors.Update) (*sensors.Sensor, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.SensorRepository.UpdateSensor(ctx, id, update)
}

func TestAcceptRedeliveryRepairsSensorAfterFailedUpdate(t *testing.T) {
	repo := &flakySensors{
		SensorRepository: sensormemory.NewSensorRepository(sensors.Sensor{ID: "S1", FrequencyMinutes: 15, Status: sensors.StatusDead}),
		failures:         1,
	}
	readings := readingmemory.NewReadingRepository()
	hub := fanout.NewHub()
	sub := hub.Subscribe("test", 8)
	p, err := NewPipeline(repo, readings, WithNotifier(hub), WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Accept(ctx, ingress(payload("1717243080000")))
	var perr *telemetry.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, readings.Count())

	sensor, err := repo.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusDead, sensor.Status)

	result, err := p.Accept(ctx, ingress(payload("1717243080000")))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, sensors.StatusFresh, result.Status)
	assert.Equal(t, 1, readings.Count())
	assert.Empty(t, sub.C())

	sensor, err = repo.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusFresh, sensor.Status)
	require.NotNil(t, sensor.LastSeen)
	assert.True(t, now.Add(-2*time.Minute).Equal(*sensor.LastSeen))
}

func TestFailureLogsCarryErrorClass(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	f := newFixture(t, WithLogger(logger))
	ctx := context.Background()

	_, err := f.pipeline.Accept(ctx, ingress([]byte(`{"ts":1717243080000,"PM1":-1,"PM25":17,"PM10":20,"WE":0.31,"AE":0.29}`)))
	require.Error(t, err)

	repo := sensormemory.NewSensorRepository(sensors.Sensor{ID: "S1", FrequencyMinutes: 15, Status: sensors.StatusDead})
	p, err := NewPipeline(repo, failingReadings{}, WithLogger(logger), WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = p.Accept(ctx, ingress(payload("1717243080000")))
	require.Error(t, err)

	var classes []string
	for _, line := range bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if class, ok := entry["class"].(string); ok {
			classes = append(classes, class)
		}
	}
	assert.Equal(t, []string{telemetry.ClassValidation, telemetry.ClassPersistence}, classes)
}

func TestRejectRecordsEvent(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Reject(Ingress{Source: telemetry.SourceWebhook, Payload: []byte("x")}, telemetry.ReasonUnauthorized)

	event := f.events.last(t)
	assert.Equal(t, ingestmetrics.OutcomeRejected, event.Outcome)
	assert.Equal(t, string(telemetry.ReasonUnauthorized), event.RejectReason)
	assert.Equal(t, 1, event.PayloadSizeBytes)
}
