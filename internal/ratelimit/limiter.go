package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"airwatch-ingest/internal/observability/metrics"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 120
)

// CounterStore increments the counter of key inside the window starting at
// windowStart and returns the new value. Implementations must be atomic.
type CounterStore interface {
	Increment(ctx context.Context, key string, windowStart time.Time) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter is a fixed-window limiter keyed by (clientID, sourceAddress).
// It fails open: a broken counter store never blocks ingestion.
type Limiter struct {
	store  CounterStore
	window time.Duration
	max    int64
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes the limiter.
type Option func(*Limiter)

// WithWindow sets the window length.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithMax sets the per-window cap.
func WithMax(max int) Option {
	return func(l *Limiter) {
		if max > 0 {
			l.max = int64(max)
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter constructs a limiter.
func NewLimiter(store CounterStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil counter store")
	}
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		max:    DefaultMax,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Key builds the counter key of a caller.
func Key(clientID, sourceAddress string) string {
	return clientID + "|" + sourceAddress
}

// Allow counts one attempt and reports whether it fits in the current window.
func (l *Limiter) Allow(ctx context.Context, clientID, sourceAddress string) Decision {
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)

	count, err := l.store.Increment(ctx, Key(clientID, sourceAddress), windowStart)
	if err != nil {
		metrics.IncRateLimitFailOpen()
		l.logger.Warn("rate limit store failed, allowing", "client", clientID, "addr", sourceAddress, "err", err)
		return Decision{Allowed: true}
	}
	if count > l.max {
		return Decision{Count: count, RetryAfter: windowStart.Add(l.window).Sub(now)}
	}
	return Decision{Allowed: true, Count: count}
}
