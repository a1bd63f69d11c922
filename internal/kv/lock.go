package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("kv: lock not acquired")

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// Locker hands out named mutual-exclusion leases stored in a Store. A lease
// expires after its TTL so a crashed holder cannot wedge other processes.
type Locker struct {
	store Store
	ttl   time.Duration
	retry time.Duration
}

// NewLocker returns a locker. Zero durations select defaults.
func NewLocker(store Store, ttl, retry time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &Locker{store: store, ttl: ttl, retry: retry}
}

// Lock is a held lease.
type Lock struct {
	store Store
	key   string
	token []byte
}

// Acquire blocks until the lease on name is held or ctx ends.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	token := []byte(uuid.NewString())
	for {
		ok, err := l.store.SetNX(ctx, name, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("kv: acquire %s: %w", name, err)
		}
		if ok {
			return &Lock{store: l.store, key: name, token: token}, nil
		}
		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, name, ctx.Err())
		case <-t.C:
		}
	}
}

// With runs fn while holding the lease on name.
func (l *Locker) With(ctx context.Context, name string, fn func() error) error {
	lk, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer lk.Release(context.WithoutCancel(ctx))
	return fn()
}

// Release drops the lease if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) {
	_, _ = lk.store.CompareAndDelete(ctx, lk.key, lk.token)
}
