package bus

import (
	"context"
	"sync"
)

const memoryBuffer = 1024

// Memory is an in-process transport. Every Bus sharing one Memory sees the
// same topics.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory returns an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	m     *Memory
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		if subs, ok := s.m.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.m.topics, s.topic)
			}
		}
		s.m.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Publish delivers data to every current subscriber of topic. It blocks while
// a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic.
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{m: m, topic: topic, ch: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][s] = struct{}{}
	return s, nil
}

// Subscribers reports how many subscriptions topic has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Close rejects further publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
