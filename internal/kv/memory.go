package kv

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

var errWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

type entry struct {
	value   []byte
	list    [][]byte
	set     map[string]struct{}
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory implements Store in process. Expired keys are dropped lazily on
// access and by a background sweep every minute.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory returns an empty store. Call Close to stop the sweeper.
func NewMemory() *Memory {
	m := &Memory{data: make(map[string]*entry), done: make(chan struct{})}
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.data {
				if e.expired(now) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// lookup returns the live entry for key. Caller holds mu.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil, ErrNil
	}
	if e.value == nil {
		return nil, errWrongType
	}
	return clone(e.value), nil
}

func (m *Memory) set(key string, value []byte, ttl time.Duration) {
	m.data[key] = &entry{value: clone(value), expires: expiry(ttl)}
	if m.data[key].value == nil {
		m.data[key].value = []byte{}
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// listEntry returns the list at key, creating it when create is set.
func (m *Memory) listEntry(key string, create bool) (*entry, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{}
		m.data[key] = e
	}
	if e.value != nil || e.set != nil {
		return nil, errWrongType
	}
	return e, nil
}

func (m *Memory) push(key string, values [][]byte, front bool) error {
	e, err := m.listEntry(key, true)
	if err != nil {
		return err
	}
	for _, v := range values {
		if front {
			e.list = append([][]byte{clone(v)}, e.list...)
		} else {
			e.list = append(e.list, clone(v))
		}
	}
	return nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.push(key, values, true)
}

func (m *Memory) RPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.push(key, values, false)
}

func (m *Memory) pop(key string, front bool) ([]byte, error) {
	e, err := m.listEntry(key, false)
	if err != nil {
		return nil, err
	}
	if e == nil || len(e.list) == 0 {
		return nil, ErrNil
	}
	var v []byte
	if front {
		v, e.list = e.list[0], e.list[1:]
	} else {
		v, e.list = e.list[len(e.list)-1], e.list[:len(e.list)-1]
	}
	if len(e.list) == 0 {
		delete(m.data, key)
	}
	return v, nil
}

func (m *Memory) LPop(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pop(key, true)
}

func (m *Memory) RPop(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pop(key, false)
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.listEntry(key, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.listEntry(key, false)
	if err != nil || e == nil {
		return nil, err
	}
	n := int64(len(e.list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		out = append(out, clone(v))
	}
	return out, nil
}

func (m *Memory) setEntry(key string, create bool) (*entry, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{set: make(map[string]struct{})}
		m.data[key] = e
	}
	if e.set == nil {
		return nil, errWrongType
	}
	return e, nil
}

func (m *Memory) sadd(key string, members []string) error {
	e, err := m.setEntry(key, true)
	if err != nil {
		return err
	}
	for _, s := range members {
		e.set[s] = struct{}{}
	}
	return nil
}

func (m *Memory) srem(key string, members []string) error {
	e, err := m.setEntry(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, s := range members {
		delete(e.set, s)
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sadd(key, members)
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srem(key, members)
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setEntry(key, false)
	if err != nil || e == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(e.set))
	for s := range e.set {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(key) != nil {
		return false, nil
	}
	m.set(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.value == nil || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

type memOp func(m *Memory) error

type memPipe struct{ ops []memOp }

func (p *memPipe) Set(key string, value []byte, ttl time.Duration) {
	value = clone(value)
	p.ops = append(p.ops, func(m *Memory) error { m.set(key, value, ttl); return nil })
}

func (p *memPipe) Delete(keys ...string) {
	p.ops = append(p.ops, func(m *Memory) error {
		for _, k := range keys {
			delete(m.data, k)
		}
		return nil
	})
}

func (p *memPipe) RPush(key string, values ...[]byte) {
	p.ops = append(p.ops, func(m *Memory) error { return m.push(key, values, false) })
}

func (p *memPipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) error { return m.sadd(key, members) })
}

func (p *memPipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) error { return m.srem(key, members) })
}

// Pipeline applies the queued writes under a single lock hold.
func (m *Memory) Pipeline(_ context.Context, fn func(Pipe) error) error {
	p := &memPipe{}
	if err := fn(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range p.ops {
		if err := op(m); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the sweeper. Safe to call multiple times.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}
