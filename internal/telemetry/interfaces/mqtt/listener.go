package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	"airwatch-ingest/internal/observability/metrics"
	"airwatch-ingest/internal/telemetry/application"
	telemetry "airwatch-ingest/internal/telemetry/domain"
)

// State is the connection state of the listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

const (
	DefaultStatusTopic          = "system/ingest/status"
	DefaultKeepAlive            = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectInterval = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultStopGracePeriod      = 2 * time.Second

	// throttleWait bounds how long one message may wait for a token before it
	// is dropped as rate limited.
	throttleWait = time.Second
)

var errConnectInFlight = errors.New("mqtt: connection attempt already in flight")

// Config controls the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// MaxReconnectAttempts is the number of consecutive failed attempts
	// before the listener gives up. Negative retries forever.
	MaxReconnectAttempts int

	StatusTopic       string
	HeartbeatInterval time.Duration
	StopGracePeriod   time.Duration

	// InboundRateLimit caps handled messages per second. Zero disables it.
	InboundRateLimit float64
	InboundBurst     int
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "airwatch-ingest"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = DefaultMaxReconnectInterval
		if c.MaxReconnectInterval < c.ReconnectInterval {
			c.MaxReconnectInterval = c.ReconnectInterval
		}
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.StatusTopic == "" {
		c.StatusTopic = DefaultStatusTopic
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = DefaultStopGracePeriod
	}
	if c.InboundRateLimit > 0 && c.InboundBurst <= 0 {
		c.InboundBurst = int(c.InboundRateLimit)
		if c.InboundBurst < 1 {
			c.InboundBurst = 1
		}
	}
	return c
}

// Acceptor is the shared ingestion pipeline.
type Acceptor interface {
	Accept(ctx context.Context, in application.Ingress) (application.Result, error)
	Reject(in application.Ingress, reason telemetry.Reason)
}

// Heartbeat is the retained liveness record on the status topic.
type Heartbeat struct {
	ClientID  string    `json:"clientId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener keeps one broker connection subscribed to sensor data topics and
// feeds every message to the ingestion pipeline in delivery order.
type Listener struct {
	cfg      Config
	broker   *url.URL
	acceptor Acceptor
	throttle *rate.Limiter
	logger   *slog.Logger

	state      atomic.Int32
	connecting atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	fatal   error

	clientMu sync.Mutex
	client   *paho.Client
}

// NewListener constructs a listener. It does not connect until Start.
func NewListener(cfg Config, acceptor Acceptor, logger *slog.Logger) (*Listener, error) {
	if acceptor == nil {
		return nil, errors.New("mqtt: nil acceptor")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	broker, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker url: %w", err)
	}
	switch broker.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts":
	default:
		return nil, fmt.Errorf("mqtt: unsupported broker scheme %q", broker.Scheme)
	}
	if broker.Port() == "" {
		return nil, errors.New("mqtt: broker url needs a port")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	l := &Listener{
		cfg:      cfg,
		broker:   broker,
		acceptor: acceptor,
		logger:   logger.With("component", "mqtt-listener"),
	}
	if cfg.InboundRateLimit > 0 {
		l.throttle = rate.NewLimiter(rate.Limit(cfg.InboundRateLimit), cfg.InboundBurst)
	}
	return l, nil
}

// State reports the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Fatal returns the cause once the reconnect budget is exhausted.
func (l *Listener) Fatal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

// Start launches the connection loop. Calling it again is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.started = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx)
	return nil
}

// Stop publishes the offline heartbeat, disconnects and waits for the loop to
// exit or ctx to end.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	metrics.SetListenerState(int(s))
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(StateDisconnected)

	failures := 0
	interval := l.cfg.ReconnectInterval
	for {
		established, err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			failures = 0
			interval = l.cfg.ReconnectInterval
			l.logger.Warn("connection lost", "err", err)
		} else {
			failures++
			metrics.IncListenerConnectFailure()
			l.logger.Warn("connect failed", "attempt", failures, "err", err)
			if l.cfg.MaxReconnectAttempts > 0 && failures >= l.cfg.MaxReconnectAttempts {
				l.mu.Lock()
				l.fatal = fmt.Errorf("mqtt: giving up after %d attempts: %w", failures, err)
				l.mu.Unlock()
				l.logger.Error("reconnect budget exhausted", "attempts", failures, "err", err)
				return
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		interval *= 2
		if interval > l.cfg.MaxReconnectInterval {
			interval = l.cfg.MaxReconnectInterval
		}
	}
}

// session connects, subscribes and serves until the connection drops or ctx
// ends. established reports whether the subscription was in place.
func (l *Listener) session(ctx context.Context) (established bool, err error) {
	if !l.connecting.CompareAndSwap(false, true) {
		return false, errConnectInFlight
	}
	client, lost, err := l.connect(ctx)
	l.connecting.Store(false)
	if err != nil {
		l.setState(StateDisconnected)
		return false, err
	}

	l.clientMu.Lock()
	l.client = client
	l.clientMu.Unlock()
	l.setState(StateSubscribed)
	l.logger.Info("subscribed", "broker", l.broker.Host, "filter", telemetry.SubscriptionFilter)

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return true, nil
		case err := <-lost:
			l.takeClient()
			l.setState(StateDisconnected)
			return true, err
		case <-ticker.C:
			l.heartbeat(ctx, client, "online")
		}
	}
}

func (l *Listener) connect(ctx context.Context) (*paho.Client, <-chan error, error) {
	l.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dial(dialCtx)
	if err != nil {
		return nil, nil, err
	}

	lost := make(chan error, 1)
	signal := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: l.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				l.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) { signal(err) },
		OnServerDisconnect: func(d *paho.Disconnect) {
			signal(fmt.Errorf("mqtt: server disconnect, reason %d", d.ReasonCode))
		},
	})

	offline, _ := json.Marshal(Heartbeat{ClientID: l.cfg.ClientID, Status: "offline", Timestamp: time.Now().UTC()})
	cp := &paho.Connect{
		ClientID:     l.cfg.ClientID,
		CleanStart:   true,
		KeepAlive:    uint16(l.cfg.KeepAlive.Seconds()),
		Username:     l.cfg.Username,
		UsernameFlag: l.cfg.Username != "",
		Password:     []byte(l.cfg.Password),
		PasswordFlag: l.cfg.Password != "",
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   l.cfg.StatusTopic,
			Payload: offline,
		},
	}

	ca, err := client.Connect(dialCtx, cp)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("mqtt: connect refused, reason %d", ca.ReasonCode)
	}
	l.setState(StateConnected)
	l.heartbeat(dialCtx, client, "online")

	l.setState(StateSubscribing)
	sa, err := client.Subscribe(dialCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: telemetry.SubscriptionFilter, QoS: 1}},
	})
	if err == nil && len(sa.Reasons) > 0 && sa.Reasons[0] >= 0x80 {
		err = fmt.Errorf("mqtt: subscribe refused, reason %d", sa.Reasons[0])
	}
	if err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return nil, nil, err
	}
	return client, lost, nil
}

func (l *Listener) dial(ctx context.Context) (net.Conn, error) {
	switch l.broker.Scheme {
	case "ssl", "tls", "mqtts":
		d := tls.Dialer{Config: &tls.Config{ServerName: l.broker.Hostname(), MinVersion: tls.VersionTLS12}}
		conn, err := d.DialContext(ctx, "tcp", l.broker.Host)
		if err != nil {
			return nil, fmt.Errorf("mqtt: tls dial: %w", err)
		}
		return packets.NewThreadSafeConn(conn), nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", l.broker.Host)
		if err != nil {
			return nil, fmt.Errorf("mqtt: dial: %w", err)
		}
		return conn, nil
	}
}

func (l *Listener) takeClient() *paho.Client {
	l.clientMu.Lock()
	defer l.clientMu.Unlock()
	client := l.client
	l.client = nil
	return client
}

// shutdown publishes the retained offline record within the grace period and
// disconnects cleanly.
func (l *Listener) shutdown() {
	client := l.takeClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StopGracePeriod)
	defer cancel()
	l.heartbeat(ctx, client, "offline")
	if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		l.logger.Debug("disconnect", "err", err)
	}
	l.logger.Info("stopped")
}

func (l *Listener) heartbeat(ctx context.Context, client *paho.Client, status string) {
	payload, err := json.Marshal(Heartbeat{ClientID: l.cfg.ClientID, Status: status, Timestamp: time.Now().UTC()})
	if err == nil {
		_, err = client.Publish(ctx, &paho.Publish{
			Topic:   l.cfg.StatusTopic,
			QoS:     1,
			Retain:  true,
			Payload: payload,
		})
	}
	metrics.IncHeartbeat(err)
	if err != nil {
		l.logger.Warn("heartbeat failed", "status", status, "err", err)
	}
}

// handle runs on the client's receive goroutine, so messages are processed
// one at a time in delivery order.
func (l *Listener) handle(ctx context.Context, topic string, payload []byte) {
	in := application.Ingress{
		Payload:    payload,
		RemoteAddr: telemetry.SourceMQTT,
		Source:     telemetry.SourceMQTT,
		ReceivedAt: time.Now().UTC(),
	}

	sensorID, err := telemetry.SensorIDFromTopic(topic)
	if err != nil {
		l.acceptor.Reject(in, telemetry.ReasonInvalidTopic)
		l.logger.Warn("dropping message on unexpected topic", "topic", topic)
		return
	}
	in.SensorID = sensorID
	in.ClientID = sensorID

	if l.throttle != nil {
		waitCtx, cancel := context.WithTimeout(ctx, throttleWait)
		err := l.throttle.Wait(waitCtx)
		cancel()
		if err != nil {
			l.acceptor.Reject(in, telemetry.ReasonRateLimited)
			l.logger.Warn("inbound throttle exceeded, dropping", "sensor", sensorID)
			return
		}
	}

	// Failures are logged and recorded by the pipeline; the broker's
	// redelivery is the retry mechanism.
	_, _ = l.acceptor.Accept(ctx, in)
}
