package ingestmetrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"airwatch-ingest/internal/observability/metrics"
)

const (
	DefaultFlushSize         = 100
	DefaultFlushInterval     = 30 * time.Second
	DefaultMaxBuffered       = 1000
	DefaultFinalFlushTimeout = 5 * time.Second
)

// Config controls batching.
type Config struct {
	FlushSize         int
	FlushInterval     time.Duration
	MaxBuffered       int
	FinalFlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushSize <= 0 {
		c.FlushSize = DefaultFlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
	if c.MaxBuffered < c.FlushSize {
		c.MaxBuffered = c.FlushSize
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = DefaultFinalFlushTimeout
	}
	return c
}

// Buffer batches ingestion events in memory and flushes them to a sink by size
// or on a timer. It never blocks the ingest path: when full, the oldest events
// are dropped.
type Buffer struct {
	sink   EventSink
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Event
	dropped int64

	flushMu sync.Mutex
	kick    chan struct{}
}

// NewBuffer constructs a buffer.
func NewBuffer(sink EventSink, cfg Config, logger *slog.Logger) (*Buffer, error) {
	if sink == nil {
		return nil, errors.New("ingestmetrics: nil sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Buffer{
		sink:   sink,
		cfg:    cfg,
		logger: logger.With("component", "ingest-metrics"),
		queue:  make([]Event, 0, cfg.FlushSize),
		kick:   make(chan struct{}, 1),
	}, nil
}

// Record enqueues an event.
func (b *Buffer) Record(event Event) {
	b.mu.Lock()
	b.queue = append(b.queue, event)
	dropped := b.trimLocked()
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.SetBufferDepth(depth)
	if dropped > 0 {
		metrics.AddBufferDropped(dropped)
	}
	if depth >= b.cfg.FlushSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest events beyond MaxBuffered.
func (b *Buffer) trimLocked() int {
	over := len(b.queue) - b.cfg.MaxBuffered
	if over <= 0 {
		return 0
	}
	b.queue = append(b.queue[:0:0], b.queue[over:]...)
	b.dropped += int64(over)
	return over
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped reports how many events were discarded for capacity.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Flush writes buffered events in batches of FlushSize. A failed batch goes
// back to the front of the queue and the error is returned.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		n := len(b.queue)
		if n == 0 {
			b.mu.Unlock()
			metrics.SetBufferDepth(0)
			return nil
		}
		if n > b.cfg.FlushSize {
			n = b.cfg.FlushSize
		}
		batch := make([]Event, n)
		copy(batch, b.queue[:n])
		b.queue = append(b.queue[:0:0], b.queue[n:]...)
		b.mu.Unlock()

		err := b.sink.WriteEvents(ctx, batch)
		metrics.IncBufferFlush(err)
		if err != nil {
			b.mu.Lock()
			b.queue = append(batch, b.queue...)
			dropped := b.trimLocked()
			depth := len(b.queue)
			b.mu.Unlock()
			metrics.SetBufferDepth(depth)
			if dropped > 0 {
				metrics.AddBufferDropped(dropped)
			}
			return err
		}
	}
}

// Run flushes on every interval and whenever a full batch is waiting. When ctx
// ends it performs one final flush bounded by FinalFlushTimeout.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), b.cfg.FinalFlushTimeout)
			err := b.Flush(flushCtx)
			cancel()
			if err != nil {
				b.logger.Error("final flush failed", "err", err, "pending", b.Len())
			}
			return nil
		case <-ticker.C:
			b.flush(ctx)
		case <-b.kick:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("flush failed, events re-queued", "err", err, "pending", b.Len())
	}
}
