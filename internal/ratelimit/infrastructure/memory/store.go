package memory

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	windowStart time.Time
	count       int64
}

// CounterStore keeps window counters in process memory.
type CounterStore struct {
	mu        sync.Mutex
	counters  map[string]counter
	lastPrune time.Time
}

// NewCounterStore constructs an empty store.
func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]counter)}
}

// Increment bumps the counter of key for windowStart.
func (s *CounterStore) Increment(_ context.Context, key string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if windowStart.After(s.lastPrune) {
		for k, c := range s.counters {
			if c.windowStart.Before(windowStart) {
				delete(s.counters, k)
			}
		}
		s.lastPrune = windowStart
	}

	c := s.counters[key]
	if !c.windowStart.Equal(windowStart) {
		c = counter{windowStart: windowStart}
	}
	c.count++
	s.counters[key] = c
	return c.count, nil
}
