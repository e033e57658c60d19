package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultCountersTable = "rate_limit_counters"

// CounterStore keeps window counters in Postgres so every replica shares them.
type CounterStore struct {
	db    *sql.DB
	table string

	mu        sync.Mutex
	lastPrune time.Time
}

// NewCounterStore constructs a store.
func NewCounterStore(db *sql.DB, opts ...Option) *CounterStore {
	store := &CounterStore{db: db, table: defaultCountersTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Option configures the store.
type Option func(*CounterStore)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(s *CounterStore) {
		if table != "" {
			s.table = table
		}
	}
}

// Increment bumps the counter in a single statement.
func (s *CounterStore) Increment(ctx context.Context, key string, windowStart time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("rate counter: nil db")
	}
	windowStart = windowStart.UTC()
	s.pruneBefore(ctx, windowStart)

	query := fmt.Sprintf(`
INSERT INTO %s AS c (key, window_start, count)
VALUES ($1, $2, 1)
ON CONFLICT (key, window_start) DO UPDATE SET count = c.count + 1
RETURNING count`, s.table)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, key, windowStart).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// pruneBefore deletes expired windows once per window.
func (s *CounterStore) pruneBefore(ctx context.Context, windowStart time.Time) {
	s.mu.Lock()
	if !windowStart.After(s.lastPrune) {
		s.mu.Unlock()
		return
	}
	s.lastPrune = windowStart
	s.mu.Unlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE window_start < $1`, s.table)
	_, _ = s.db.ExecContext(ctx, query, windowStart)
}
