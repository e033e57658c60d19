package memory

import (
	"context"
	"sync"

	"airwatch-ingest/internal/ingestmetrics"
)

// EventSink keeps flushed events in memory.
type EventSink struct {
	mu     sync.RWMutex
	events []ingestmetrics.Event
}

// NewEventSink constructs an empty sink.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// WriteEvents appends a batch.
func (s *EventSink) WriteEvents(_ context.Context, events []ingestmetrics.Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything written so far.
func (s *EventSink) Events() []ingestmetrics.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingestmetrics.Event, len(s.events))
	copy(out, s.events)
	return out
}
