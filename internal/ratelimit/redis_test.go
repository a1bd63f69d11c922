//go:build integration

package ratelimit_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/ratelimit"
	"github.com/vlhc/tunelab/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc, client := testutil.MustStartRedis()
	testRedis = client
	code := m.Run()
	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

func prefix(t *testing.T) string {
	return fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
}

func TestRedisLimiterWindow(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewRedisLimiter(testRedis, prefix(t), 3, time.Minute)

	for i := range 3 {
		ok, err := l.Allow(ctx, "submit:alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := l.Allow(ctx, "submit:alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "submit:bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	p := prefix(t)
	a := ratelimit.NewRedisLimiter(testRedis, p, 2, time.Minute)
	b := ratelimit.NewRedisLimiter(testRedis, p, 2, time.Minute)

	ok, _ := a.Allow(ctx, "submit:carol")
	assert.True(t, ok)
	ok, _ = b.Allow(ctx, "submit:carol")
	assert.True(t, ok)
	ok, _ = a.Allow(ctx, "submit:carol")
	assert.False(t, ok)
}

func TestRedisLimiterWindowExpires(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewRedisLimiter(testRedis, prefix(t), 1, 300*time.Millisecond)

	ok, _ := l.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "k")
	require.False(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := l.Allow(ctx, "k")
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}
