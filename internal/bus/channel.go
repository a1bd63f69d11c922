package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	outboundQueue = 256
	inboundQueue  = 256
)

type frame struct {
	data []byte
	done chan error
}

// Channel is one open side of a named channel.
type Channel struct {
	bus   *Bus
	name  string
	role  Role
	topic string
	sub   Subscription

	out     chan frame
	inbound chan *Inbound

	mu      sync.Mutex
	pending map[string]chan *Message

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Inbound is a frame addressed to this side of the channel.
type Inbound struct {
	*Message
	ch *Channel
}

// Reply answers the frame. Replies are delivered only to the requester that
// is waiting on them.
func (in *Inbound) Reply(ctx context.Context, payload any) error {
	if in.ID == "" {
		return fmt.Errorf("bus: %s: reply to a frame that expects none", in.Event)
	}
	return in.ch.send(ctx, &Message{Event: in.Event, ReplyTo: in.ID}, payload)
}

func newChannel(b *Bus, name string, role Role, topic string, sub Subscription) *Channel {
	c := &Channel{
		bus:     b,
		name:    name,
		role:    role,
		topic:   topic,
		sub:     sub,
		out:     make(chan frame, outboundQueue),
		inbound: make(chan *Inbound, inboundQueue),
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.write()
	go c.read()
	return c
}

// Name is the channel name passed to Open.
func (c *Channel) Name() string { return c.name }

// Inbound returns the frames that are not replies. It has a single consumer
// and is closed when the channel closes.
func (c *Channel) Inbound() <-chan *Inbound { return c.inbound }

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send writes a one-way frame.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	return c.send(ctx, &Message{Event: event}, payload)
}

// Request writes a frame and waits for its correlated reply. It returns
// ErrTimeout if ctx ends first.
func (c *Channel) Request(ctx context.Context, event string, payload any) (*Message, error) {
	id := uuid.NewString()
	wait := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, &Message{Event: event, ID: id}, payload); err != nil {
		return nil, err
	}
	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, event, c.name)
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Channel) send(ctx context.Context, m *Message, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bus: encode %s: %w", m.Event, err)
		}
		m.Payload = raw
	}
	m.From = c.bus.id
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", m.Event, err)
	}
	f := frame{data: data, done: make(chan error, 1)}
	select {
	case c.out <- f:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-f.done:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) write() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			err := c.bus.transport.Publish(context.Background(), c.topic, f.data)
			if err != nil {
				c.bus.logger.Warn("bus: publish failed", "channel", c.name, "error", err)
			}
			f.done <- err
		}
	}
}

func (c *Channel) read() {
	defer c.wg.Done()
	defer close(c.inbound)
	for {
		var (
			data []byte
			ok   bool
		)
		select {
		case <-c.done:
			return
		case data, ok = <-c.sub.C():
			if !ok {
				c.shutdown()
				return
			}
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.bus.logger.Warn("bus: malformed frame", "channel", c.name, "error", err)
			continue
		}
		if c.role == Broadcast && m.From == c.bus.id {
			continue
		}
		if m.ReplyTo != "" {
			c.mu.Lock()
			wait, ok := c.pending[m.ReplyTo]
			c.mu.Unlock()
			if ok {
				select {
				case wait <- &m:
				default:
				}
			}
			continue
		}
		select {
		case c.inbound <- &Inbound{Message: &m, ch: c}:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sub.Close()
	})
}

// Close stops the channel. Pending requests fail with ErrClosed. Safe to call
// multiple times.
func (c *Channel) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}
