//go:build integration

package kv_test

import (
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/vlhc/tunelab/internal/kv"
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

func TestRedisStore(t *testing.T) {
	exerciseStore(t, kv.NewRedis(testRedis), "redis:"+t.Name()+":")
}
