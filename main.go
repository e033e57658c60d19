package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"airwatch-ingest/internal/auth"
	"airwatch-ingest/internal/config"
	"airwatch-ingest/internal/fanout"
	fanouthttp "airwatch-ingest/internal/fanout/interfaces/http"
	"airwatch-ingest/internal/fanout/natsbridge"
	"airwatch-ingest/internal/ingestmetrics"
	ingestmemory "airwatch-ingest/internal/ingestmetrics/infrastructure/memory"
	ingestpostgres "airwatch-ingest/internal/ingestmetrics/infrastructure/postgres"
	"airwatch-ingest/internal/observability/metrics"
	"airwatch-ingest/internal/ratelimit"
	ratememory "airwatch-ingest/internal/ratelimit/infrastructure/memory"
	ratepostgres "airwatch-ingest/internal/ratelimit/infrastructure/postgres"
	sensorsapp "airwatch-ingest/internal/sensors/application"
	sensors "airwatch-ingest/internal/sensors/domain"
	sensormemory "airwatch-ingest/internal/sensors/infrastructure/memory"
	sensorpostgres "airwatch-ingest/internal/sensors/infrastructure/postgres"
	sensorhttp "airwatch-ingest/internal/sensors/interfaces/http"
	"airwatch-ingest/internal/telemetry/application"
	telemetry "airwatch-ingest/internal/telemetry/domain"
	readingmemory "airwatch-ingest/internal/telemetry/infrastructure/memory"
	readingpostgres "airwatch-ingest/internal/telemetry/infrastructure/postgres"
	"airwatch-ingest/internal/telemetry/interfaces/mqtt"
	"airwatch-ingest/internal/telemetry/interfaces/webhook"
)

const shutdownTimeout = 10 * time.Second

type sensorStore interface {
	sensors.Repository
	Save(ctx context.Context, sensor sensors.Sensor) error
}

type readingStore interface {
	telemetry.ReadingRepository
	telemetry.ReadingQuery
}

type stores struct {
	db       *sql.DB
	sensors  sensorStore
	readings readingStore
	events   ingestmetrics.EventSink
	counters ratelimit.CounterStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	for _, seed := range cfg.Sensors {
		sensor, _ := seed.Sensor()
		if err := st.sensors.Save(ctx, sensor); err != nil {
			return err
		}
	}

	metrics.Init(st.db, logger, metrics.WithTables(cfg.Tables.Sensors, cfg.Tables.Readings))

	hub := fanout.NewHub()

	buffer, err := ingestmetrics.NewBuffer(st.events, ingestmetrics.Config{
		FlushSize:     cfg.Buffer.FlushSize,
		FlushInterval: cfg.Buffer.FlushInterval,
		MaxBuffered:   cfg.Buffer.MaxBuffered,
	}, logger)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(st.counters,
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithMax(cfg.RateLimit.Max),
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	pipeline, err := application.NewPipeline(st.sensors, st.readings,
		application.WithTransformer(telemetry.NewTransformer(telemetry.WithRelativeThreshold(cfg.Ingest.RelativeThreshold))),
		application.WithValidator(telemetry.NewValidator(cfg.Ingest.MaxFutureSkew)),
		application.WithRateLimiter(limiter),
		application.WithRecorder(buffer),
		application.WithNotifier(hub),
		application.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	sweeper, err := sensorsapp.NewSweeper(st.sensors, sensorsapp.WithLogger(logger))
	if err != nil {
		return err
	}
	scheduler := sensorsapp.NewScheduler(sweeper, cfg.Sweep.Interval, logger)

	var listener *mqtt.Listener
	if cfg.MQTT.BrokerURL != "" {
		listener, err = mqtt.NewListener(mqtt.Config{
			BrokerURL:            cfg.MQTT.BrokerURL,
			ClientID:             cfg.MQTT.ClientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			ReconnectInterval:    cfg.MQTT.ReconnectInterval,
			MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
			MaxReconnectAttempts: cfg.MQTT.MaxReconnectAttempts,
			StatusTopic:          cfg.MQTT.StatusTopic,
			HeartbeatInterval:    cfg.MQTT.HeartbeatInterval,
			InboundRateLimit:     cfg.MQTT.InboundRateLimit,
			InboundBurst:         cfg.MQTT.InboundBurst,
		}, pipeline, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("MQTT_BROKER_URL not set, broker listener disabled")
	}

	var bridge *natsbridge.Bridge
	if cfg.NATS.URL != "" {
		conn, err := natsbridge.Connect(cfg.NATS.URL, cfg.MQTT.ClientID, logger)
		if err != nil {
			return err
		}
		defer conn.Drain()
		bridge, err = natsbridge.New(hub, conn,
			natsbridge.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			natsbridge.WithBuffer(cfg.Fanout.SubscriberBuffer),
			natsbridge.WithLogger(logger),
		)
		if err != nil {
			return err
		}
	}

	webhookHandler, err := webhook.NewHandler(pipeline, auth.NewSharedSecret(cfg.SharedSecret), logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ingest", webhookHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if listener != nil {
			if fatal := listener.Fatal(); fatal != nil {
				http.Error(w, "broker listener stopped", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.JWTSecret != "" {
		snapshot, err := sensorhttp.NewSnapshotHandler(st.sensors, st.readings, logger)
		if err != nil {
			return err
		}
		mux.Handle("/api/v1/readings/stream", fanouthttp.NewStreamHandler(hub))
		mux.Handle("/api/v1/readings/ws", fanouthttp.NewWebSocketHandler(hub, logger))
		mux.Handle("/api/v1/sensors/", snapshot)

		verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return err
		}
		gate, err := auth.NewGate(verifier, auth.ReadAPIRules(), logger)
		if err != nil {
			return err
		}
		handler = gate.Wrap(mux)
	} else {
		logger.Info("AUTH_JWT_SECRET not set, read API disabled")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Metrics events outlive ctx so attempts handled during shutdown are flushed.
	bufferCtx, stopBuffer := context.WithCancel(context.Background())
	defer stopBuffer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return buffer.Run(bufferCtx) })
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	if listener != nil {
		if err := listener.Start(gctx); err != nil {
			stopBuffer()
			return err
		}
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if listener != nil {
			if err := listener.Stop(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		hub.Close()
		stopBuffer()
		return errors.Join(errs...)
	})

	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		return stores{
			sensors:  sensormemory.NewSensorRepository(),
			readings: readingmemory.NewReadingRepository(),
			events:   ingestmemory.NewEventSink(),
			counters: ratememory.NewCounterStore(),
		}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return stores{}, err
	}
	return stores{
		db:       db,
		sensors:  sensorpostgres.NewSensorRepository(db, sensorpostgres.WithSensorTable(cfg.Tables.Sensors)),
		readings: readingpostgres.NewReadingRepository(db, readingpostgres.WithTable(cfg.Tables.Readings)),
		events:   ingestpostgres.NewEventSink(db),
		counters: ratepostgres.NewCounterStore(db),
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent events working through the access log wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
