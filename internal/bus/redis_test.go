//go:build integration

package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/bus"
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

func TestRedisRequestReply(t *testing.T) {
	transport := bus.NewRedis(testRedis, "test:")
	server := open(t, bus.New(transport, testutil.TestLogger()), "interpolate", bus.Serve)
	client := open(t, bus.New(transport, testutil.TestLogger()), "interpolate", bus.Connect)

	go func() {
		for in := range server.Inbound() {
			_ = in.Reply(context.Background(), ping{N: 99})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "interpolate", ping{})
	require.NoError(t, err)
	var p ping
	require.NoError(t, reply.Decode(&p))
	assert.Equal(t, 99, p.N)
}
