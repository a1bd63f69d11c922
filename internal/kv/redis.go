package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Client exposes the underlying client for components sharing the connection.
func (r *Redis) Client() *redis.Client { return r.client }

func mapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return err
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	return b, mapNil(err)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func toArgs(values [][]byte) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (r *Redis) LPush(ctx context.Context, key string, values ...[]byte) error {
	return r.client.LPush(ctx, key, toArgs(values)...).Err()
}

func (r *Redis) RPush(ctx context.Context, key string, values ...[]byte) error {
	return r.client.RPush(ctx, key, toArgs(values)...).Err()
}

func (r *Redis) LPop(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.LPop(ctx, key).Bytes()
	return b, mapNil(err)
}

func (r *Redis) RPop(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.RPop(ctx, key).Bytes()
	return b, mapNil(err)
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, key).Result()
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func toMembers(members []string) []any {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, key, toMembers(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, key, toMembers(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Redis) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (p redisPipe) Set(key string, value []byte, ttl time.Duration) { p.p.Set(p.ctx, key, value, ttl) }
func (p redisPipe) Delete(keys ...string)                           { p.p.Del(p.ctx, keys...) }
func (p redisPipe) RPush(key string, values ...[]byte)              { p.p.RPush(p.ctx, key, toArgs(values)...) }
func (p redisPipe) SAdd(key string, members ...string)              { p.p.SAdd(p.ctx, key, toMembers(members)...) }
func (p redisPipe) SRem(key string, members ...string)              { p.p.SRem(p.ctx, key, toMembers(members)...) }

// Pipeline runs the queued writes in a MULTI/EXEC transaction.
func (r *Redis) Pipeline(ctx context.Context, fn func(Pipe) error) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(redisPipe{ctx: ctx, p: p})
	})
	return err
}

func (r *Redis) Close() error { return r.client.Close() }
