package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	fast := Backoff{Retries: 3, Base: time.Microsecond}
	serialization := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})

	t.Run("retries transient conflicts", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fast, func() error {
			calls++
			if calls < 3 {
				return serialization
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up when retries are spent", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), Backoff{Retries: 2, Base: time.Microsecond}, func() error {
			calls++
			return &pgconn.PgError{Code: "40P01"}
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns other errors at once", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(context.Background(), fast, func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithRetry(ctx, Backoff{Retries: 5, Base: time.Hour}, func() error {
			return &pgconn.PgError{Code: "55P03"}
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBackoffDelayIsCapped(t *testing.T) {
	b := Backoff{Retries: 10, Base: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	for attempt := range 10 {
		d := b.delay(attempt)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	}
}
