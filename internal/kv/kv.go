// Package kv is the volatile key-value store behind per-job merge buffers and
// the interpolation index. Redis backs it in production; Memory is an
// in-process implementation for tests and single-node runs.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key or list element does not exist.
var ErrNil = errors.New("kv: nil")

// Store is the key-value contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	LPush(ctx context.Context, key string, values ...[]byte) error
	RPush(ctx context.Context, key string, values ...[]byte) error
	LPop(ctx context.Context, key string) ([]byte, error)
	RPop(ctx context.Context, key string) ([]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
	// LRange returns elements start..stop inclusive; negative indexes count
	// from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Pipeline applies the queued writes atomically. fn must not block.
	Pipeline(ctx context.Context, fn func(Pipe) error) error

	Close() error
}

// Pipe queues writes for Store.Pipeline.
type Pipe interface {
	Set(key string, value []byte, ttl time.Duration)
	Delete(keys ...string)
	RPush(key string, values ...[]byte)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
}
