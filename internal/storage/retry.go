package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Backoff bounds the retries of a transaction that lost a row-lock race.
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

// rowLockBackoff serves the job status transactions, which contend only with
// the owning actor and the scheduler loop.
var rowLockBackoff = Backoff{Retries: 3, Base: 20 * time.Millisecond, Max: 250 * time.Millisecond}

// transient lists the SQLSTATEs worth another attempt.
var transient = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transient[pgErr.Code]
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base << attempt
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1)) //nolint:gosec // jitter
}

// WithRetry runs fn until it succeeds, fails with a non-transient error, the
// retries are spent or ctx ends.
func WithRetry(ctx context.Context, b Backoff, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < b.Retries && isRetriable(err); attempt++ {
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}
