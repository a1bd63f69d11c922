package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Service: "tunelab-test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer("tunelab/test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	c, err := Meter("tunelab/test").Int64Counter("tunelab.test")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}
