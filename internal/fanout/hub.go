package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"airwatch-ingest/internal/observability/metrics"
	sensors "airwatch-ingest/internal/sensors/domain"
	telemetry "airwatch-ingest/internal/telemetry/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Notification announces one accepted, non-duplicate reading.
type Notification struct {
	SensorID   string            `json:"sensorId"`
	Status     sensors.Status    `json:"status"`
	ObservedAt time.Time         `json:"observedAt"`
	ReadingID  string            `json:"readingId"`
	Payload    telemetry.Reading `json:"payload"`
}

// Subscription is one observer's bounded queue.
type Subscription struct {
	name    string
	ch      chan Notification
	dropped atomic.Int64
}

// Name identifies the subscriber in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// C delivers notifications. It is closed on Unsubscribe or Hub.Close.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Dropped reports notifications skipped because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub broadcasts notifications to subscribers without ever blocking the
// publisher: a subscriber whose queue is full misses the notification.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub constructs a hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. It returns nil after Close.
func (h *Hub) Subscribe(name string, buffer int) *Subscription {
	if h == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{name: name, ch: make(chan Notification, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Publish offers n to every subscriber. Sends are non-blocking, so holding
// the read lock keeps Unsubscribe from closing a channel mid-send.
func (h *Hub) Publish(n Notification) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			metrics.IncFanoutDropped(sub.name)
		}
	}
}

// Subscribers reports the number of registered subscribers.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone. Later Subscribe calls return nil.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
