package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "airwatch_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests   *prometheus.CounterVec
	ingestRejections *prometheus.CounterVec
	ingestDuplicates *prometheus.CounterVec
	ingestLatency    *prometheus.HistogramVec

	rateLimitFailOpen prometheus.Counter

	listenerState      prometheus.Gauge
	listenerReconnects prometheus.Counter
	listenerHeartbeats *prometheus.CounterVec

	sweepTotal   *prometheus.CounterVec
	sweepChanged *prometheus.CounterVec
	sweepLatency prometheus.Histogram

	bufferDepth   prometheus.Gauge
	bufferDropped prometheus.Counter
	bufferFlushes *prometheus.CounterVec

	fanoutDropped *prometheus.CounterVec
)

// Init registers ingestion metrics and, when db is set, DB-backed gauges.
func Init(db *sql.DB, logger *slog.Logger, opts ...Option) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		)
		ingestRejections = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rejections_total",
				Help: "Total rejected ingest attempts by source and reason",
			},
			[]string{"source", "reason"},
		)
		ingestDuplicates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_duplicates_total",
				Help: "Re-delivered readings accepted as no-ops",
			},
			[]string{"source"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "outcome"},
		)

		rateLimitFailOpen = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ratelimit_fail_open_total",
				Help: "Requests allowed because the counter store was unavailable",
			},
		)

		listenerState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "listener_state",
				Help: "Broker listener state (0 disconnected, 1 connecting, 2 connected, 3 subscribing, 4 subscribed, -1 failed)",
			},
		)
		listenerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "listener_connect_failures_total",
				Help: "Failed broker connection attempts",
			},
		)
		listenerHeartbeats = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "listener_heartbeats_total",
				Help: "Liveness heartbeats published by result",
			},
			[]string{"result"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_sweep_total",
				Help: "Status sweeps by result",
			},
			[]string{"result"},
		)
		sweepChanged = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_sweep_changes_total",
				Help: "Sensor status transitions written by the sweep",
			},
			[]string{"to"},
		)
		sweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "status_sweep_latency_seconds",
				Help:    "Status sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		bufferDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ingest_events_buffered",
				Help: "Ingestion events waiting to be flushed",
			},
		)
		bufferDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_events_dropped_total",
				Help: "Ingestion events dropped because the buffer cap was reached",
			},
		)
		bufferFlushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_events_flushes_total",
				Help: "Ingestion event flushes by result",
			},
			[]string{"result"},
		)

		fanoutDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_dropped_total",
				Help: "Notifications dropped because a subscriber queue was full",
			},
			[]string{"subscriber"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestRejections,
			ingestDuplicates,
			ingestLatency,
			rateLimitFailOpen,
			listenerState,
			listenerReconnects,
			listenerHeartbeats,
			sweepTotal,
			sweepChanged,
			sweepLatency,
			bufferDepth,
			bufferDropped,
			bufferFlushes,
			fanoutDropped,
		)

		if db != nil {
			registerDBMetrics(db, logger, newDBTables(opts...))
		}
	})
}

// ObserveIngest records one ingest attempt.
func ObserveIngest(source, outcome string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(source, outcome).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(source, outcome).Observe(duration.Seconds())
	}
}

// IncIngestRejected increments the rejection counter.
func IncIngestRejected(source, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestRejections != nil {
		ingestRejections.WithLabelValues(source, reason).Inc()
	}
}

// IncIngestDuplicate increments the duplicate counter.
func IncIngestDuplicate(source string) {
	if ingestDuplicates != nil {
		ingestDuplicates.WithLabelValues(source).Inc()
	}
}

// IncRateLimitFailOpen counts requests admitted while the counter store failed.
func IncRateLimitFailOpen() {
	if rateLimitFailOpen != nil {
		rateLimitFailOpen.Inc()
	}
}

// SetListenerState exports the numeric listener state.
func SetListenerState(state int) {
	if listenerState != nil {
		listenerState.Set(float64(state))
	}
}

// IncListenerConnectFailure counts a failed connection attempt.
func IncListenerConnectFailure() {
	if listenerReconnects != nil {
		listenerReconnects.Inc()
	}
}

// IncHeartbeat counts a heartbeat publish.
func IncHeartbeat(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if listenerHeartbeats != nil {
		listenerHeartbeats.WithLabelValues(result).Inc()
	}
}

// ObserveSweep records a sweep run.
func ObserveSweep(err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
	if sweepLatency != nil {
		sweepLatency.Observe(duration.Seconds())
	}
}

// IncSweepChange counts a status transition written by the sweep.
func IncSweepChange(to string) {
	if sweepChanged != nil {
		sweepChanged.WithLabelValues(to).Inc()
	}
}

// SetBufferDepth exports the number of buffered ingestion events.
func SetBufferDepth(n int) {
	if bufferDepth != nil {
		bufferDepth.Set(float64(n))
	}
}

// AddBufferDropped counts events evicted by the buffer cap.
func AddBufferDropped(n int) {
	if n <= 0 {
		return
	}
	if bufferDropped != nil {
		bufferDropped.Add(float64(n))
	}
}

// IncBufferFlush counts a flush attempt.
func IncBufferFlush(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if bufferFlushes != nil {
		bufferFlushes.WithLabelValues(result).Inc()
	}
}

// IncFanoutDropped counts a notification dropped for a slow subscriber.
func IncFanoutDropped(subscriber string) {
	if subscriber == "" {
		subscriber = "anonymous"
	}
	if fanoutDropped != nil {
		fanoutDropped.WithLabelValues(subscriber).Inc()
	}
}
