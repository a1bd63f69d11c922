// Package bus carries JSON messages over named channels. A channel has one
// writer goroutine, so frames sent on it are delivered in order, and one
// reader goroutine that routes replies to waiting requests and everything else
// to a single inbound consumer.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned when sending on a closed channel.
	ErrClosed = errors.New("bus: channel closed")
)

// Role selects which side of a named channel is opened.
type Role int

const (
	// Serve reads what clients send and writes to all clients.
	Serve Role = iota
	// Connect is the client side of a served channel.
	Connect
	// Broadcast peers share one topic and skip their own frames.
	Broadcast
)

func (r Role) String() string {
	switch r {
	case Serve:
		return "serve"
	case Connect:
		return "connect"
	case Broadcast:
		return "broadcast"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// topics maps a channel name and role to the topics read and written.
func topics(name string, role Role) (in, out string) {
	switch role {
	case Serve:
		return name + ">s", name + ">c"
	case Connect:
		return name + ">c", name + ">s"
	default:
		return name, name
	}
}

// Message is the envelope of every frame.
type Message struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("bus: %s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bus: decode %s: %w", m.Event, err)
	}
	return nil
}

// Transport moves raw frames between processes.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers frames published on one topic. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Bus opens channels on a transport. Each Bus has a distinct identity used to
// filter its own broadcast frames.
type Bus struct {
	transport Transport
	logger    *slog.Logger
	id        string
}

// New returns a bus over transport.
func New(transport Transport, logger *slog.Logger) *Bus {
	return &Bus{transport: transport, logger: logger, id: uuid.NewString()}
}

// ID identifies this endpoint in the From field of outgoing frames.
func (b *Bus) ID() string { return b.id }

// Open subscribes to a named channel and starts its reader and writer.
func (b *Bus) Open(ctx context.Context, name string, role Role) (*Channel, error) {
	in, out := topics(name, role)
	sub, err := b.transport.Subscribe(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s (%s): %w", name, role, err)
	}
	ch := newChannel(b, name, role, out, sub)
	b.logger.Debug("bus: channel open", "channel", name, "role", role.String())
	return ch, nil
}

// Close shuts the transport down.
func (b *Bus) Close() error { return b.transport.Close() }
