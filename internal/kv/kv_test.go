package kv_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/kv"
)

func newMemory(t *testing.T) *kv.Memory {
	t.Helper()
	m := kv.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// exerciseStore runs the behavior every Store implementation must share.
func exerciseStore(t *testing.T, s kv.Store, prefix string) {
	ctx := context.Background()
	k := func(name string) string { return prefix + name }

	t.Run("values", func(t *testing.T) {
		_, err := s.Get(ctx, k("missing"))
		assert.ErrorIs(t, err, kv.ErrNil)

		require.NoError(t, s.Set(ctx, k("v"), []byte("one"), 0))
		got, err := s.Get(ctx, k("v"))
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got)

		require.NoError(t, s.Delete(ctx, k("v"), k("never")))
		_, err = s.Get(ctx, k("v"))
		assert.ErrorIs(t, err, kv.ErrNil)
	})

	t.Run("lists", func(t *testing.T) {
		require.NoError(t, s.RPush(ctx, k("l"), []byte("b"), []byte("c")))
		require.NoError(t, s.LPush(ctx, k("l"), []byte("a")))
		n, err := s.LLen(ctx, k("l"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		all, err := s.LRange(ctx, k("l"), 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, all)

		tail, err := s.LRange(ctx, k("l"), -2, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, tail)

		first, err := s.LPop(ctx, k("l"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), first)
		last, err := s.RPop(ctx, k("l"))
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), last)
		_, err = s.RPop(ctx, k("l"))
		require.NoError(t, err)
		_, err = s.LPop(ctx, k("l"))
		assert.ErrorIs(t, err, kv.ErrNil)
	})

	t.Run("sets", func(t *testing.T) {
		require.NoError(t, s.SAdd(ctx, k("s"), "x", "y", "x"))
		require.NoError(t, s.SRem(ctx, k("s"), "y"))
		m, err := s.SMembers(ctx, k("s"))
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, m)

		none, err := s.SMembers(ctx, k("empty"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("setnx and compare-and-delete", func(t *testing.T) {
		ok, err := s.SetNX(ctx, k("once"), []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.SetNX(ctx, k("once"), []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndDelete(ctx, k("once"), []byte("b"))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.CompareAndDelete(ctx, k("once"), []byte("a"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("pipeline", func(t *testing.T) {
		err := s.Pipeline(ctx, func(p kv.Pipe) error {
			p.Set(k("p:v"), []byte("1"), 0)
			p.RPush(k("p:l"), []byte("a"), []byte("b"))
			p.SAdd(k("p:s"), "m1", "m2")
			p.SRem(k("p:s"), "m1")
			return nil
		})
		require.NoError(t, err)
		v, err := s.Get(ctx, k("p:v"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		n, err := s.LLen(ctx, k("p:l"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		members, err := s.SMembers(ctx, k("p:s"))
		require.NoError(t, err)
		assert.Equal(t, []string{"m2"}, members)

		require.NoError(t, s.Pipeline(ctx, func(p kv.Pipe) error {
			p.Delete(k("p:v"), k("p:l"), k("p:s"))
			return nil
		}))
		_, err = s.Get(ctx, k("p:v"))
		assert.ErrorIs(t, err, kv.ErrNil)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, newMemory(t), "mem:")
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	require.NoError(t, m.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	ok, err := m.SetNX(ctx, "short", []byte("y"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, kv.ErrNil)
	ok, err = m.SetNX(ctx, "short", []byte("y"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'z'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestLockerSerializesHolders(t *testing.T) {
	ctx := context.Background()
	locker := kv.NewLocker(newMemory(t), time.Second, time.Millisecond)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		order   []int
		wg      sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.With(ctx, "lock:job-1", func() error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				order = append(order, i)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	sort.Ints(order)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
}

func TestLockerTimeout(t *testing.T) {
	store := newMemory(t)
	locker := kv.NewLocker(store, time.Minute, time.Millisecond)
	held, err := locker.Acquire(context.Background(), "lock:x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "lock:x")
	assert.ErrorIs(t, err, kv.ErrLockTimeout)

	held.Release(context.Background())
	again, err := locker.Acquire(context.Background(), "lock:x")
	require.NoError(t, err)
	again.Release(context.Background())
}

func TestStaleReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	store := newMemory(t)
	locker := kv.NewLocker(store, 10*time.Millisecond, time.Millisecond)
	stale, err := locker.Acquire(ctx, "lock:y")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, "lock:y")
	require.NoError(t, err)
	stale.Release(ctx)

	ok, err := store.SetNX(ctx, "lock:y", []byte("intruder"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not drop the new lease")
	fresh.Release(ctx)
}
