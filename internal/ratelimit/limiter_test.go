package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-ingest/internal/ratelimit"
	"airwatch-ingest/internal/ratelimit/infrastructure/memory"
)

type brokenStore struct{}

func (brokenStore) Increment(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewLimiterRequiresStore(t *testing.T) {
	_, err := ratelimit.NewLimiter(nil)
	require.Error(t, err)
}

func TestLimiterRejectsOverCapUntilNextWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)}
	limiter, err := ratelimit.NewLimiter(
		memory.NewCounterStore(),
		ratelimit.WithMax(3),
		ratelimit.WithWindow(time.Minute),
		ratelimit.WithNow(clock.Now),
	)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(ctx, "device-1", "10.0.0.1").Allowed, "attempt %d", i+1)
	}
	denied := limiter.Allow(ctx, "device-1", "10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.EqualValues(t, 4, denied.Count)
	assert.Equal(t, 50*time.Second, denied.RetryAfter)

	// Other callers have their own counters.
	assert.True(t, limiter.Allow(ctx, "device-1", "10.0.0.2").Allowed)
	assert.True(t, limiter.Allow(ctx, "device-2", "10.0.0.1").Allowed)

	clock.Advance(time.Minute)
	assert.True(t, limiter.Allow(ctx, "device-1", "10.0.0.1").Allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(brokenStore{}, ratelimit.WithMax(1))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(context.Background(), "c", "a").Allowed)
	}
}

func TestMemoryStoreIsAtomic(t *testing.T) {
	store := memory.NewCounterStore()
	window := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(context.Background(), "k", window)
		}()
	}
	wg.Wait()

	count, err := store.Increment(context.Background(), "k", window)
	require.NoError(t, err)
	assert.EqualValues(t, 51, count)
}
