package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand so refill tests do not sleep.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClocked(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.now
	return m, clk
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newClocked(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "submit:alice", 5))
}

func TestMemoryLimiterRefills(t *testing.T) {
	m, clk := newClocked(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "submit:alice", 3))

	clk.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "submit:alice", 2))
}

func TestMemoryLimiterCapsAtBurst(t *testing.T) {
	m, clk := newClocked(t, 1000, 3)
	allowN(t, m, "submit:bob", 1)

	clk.advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "submit:bob", 5))
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newClocked(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "submit:alice", 2))
	assert.Equal(t, 1, allowN(t, m, "submit:bob", 2))
	assert.Equal(t, 2, m.Keys())
}

func TestMemoryLimiterZeroBurstDeniesEverything(t *testing.T) {
	m, _ := newClocked(t, 10, 0)
	assert.Zero(t, allowN(t, m, "status:10.0.0.1", 3))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 50)
	defer func() { _ = m.Close() }()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				ok, err := m.Allow(context.Background(), "shared")
				assert.NoError(t, err)
				if ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	m, clk := newClocked(t, 1, 5)
	allowN(t, m, "old", 1)
	clk.advance(idleTTL + time.Second)
	allowN(t, m, "fresh", 1)

	m.evictIdle()
	m.mu.Lock()
	_, old := m.buckets["old"]
	_, fresh := m.buckets["fresh"]
	m.mu.Unlock()
	assert.False(t, old)
	assert.True(t, fresh)
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
