package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a transport over Redis pub/sub. Delivery is at-most-once.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a transport whose topics are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	if err := r.client.Publish(ctx, r.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription so frames
// published after it returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: redis subscribe %s: %w", topic, err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *Redis) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)
	src := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
