package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"airwatch-ingest/internal/fanout"
)

// DefaultSubjectPrefix is prepended to the sensor id.
const DefaultSubjectPrefix = "telemetry.readings."

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge forwards hub notifications to NATS subjects <prefix><sensorId>.
type Bridge struct {
	hub    *fanout.Hub
	pub    Publisher
	prefix string
	buffer int
	logger *slog.Logger
}

// Option customizes the bridge.
type Option func(*Bridge)

// WithSubjectPrefix overrides the subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.prefix = strings.TrimSuffix(prefix, ".") + "."
		}
	}
}

// WithBuffer sets the hub subscription size.
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a bridge.
func New(hub *fanout.Hub, pub Publisher, opts ...Option) (*Bridge, error) {
	if hub == nil {
		return nil, errors.New("natsbridge: nil hub")
	}
	if pub == nil {
		return nil, errors.New("natsbridge: nil publisher")
	}
	b := &Bridge{
		hub:    hub,
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		buffer: 256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "nats-bridge")
	return b, nil
}

// Run forwards notifications until ctx ends or the hub closes.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.hub.Subscribe("nats", b.buffer)
	if sub == nil {
		return nil
	}
	defer b.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(n)
			if err != nil {
				b.logger.Error("encode notification", "sensor", n.SensorID, "err", err)
				continue
			}
			if err := b.pub.Publish(b.prefix+n.SensorID, payload); err != nil {
				b.logger.Warn("publish failed", "sensor", n.SensorID, "err", err)
			}
		}
	}
}

// Connect dials NATS with reconnect settings suited to a long-lived bridge.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-bridge")
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
}
