package interpolation

import (
	"context"
	"fmt"
	"time"

	"github.com/vlhc/tunelab/internal/bus"
)

// Estimate is an interpolation answer as seen by a client: the encoded
// collection and whether it is a stored result.
type Estimate struct {
	Exact bool
	Data  string
}

// Client talks to the service over the bus. Every call is bounded by the
// client timeout.
type Client struct {
	ch      *bus.Channel
	timeout time.Duration
}

// Dial opens the client side of the service channel.
func Dial(ctx context.Context, b *bus.Bus, timeout time.Duration) (*Client, error) {
	ch, err := b.Open(ctx, ChannelName, bus.Connect)
	if err != nil {
		return nil, fmt.Errorf("interpolation: dial: %w", err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{ch: ch, timeout: timeout}, nil
}

// Interpolate queries the service.
func (c *Client) Interpolate(ctx context.Context, req Request) (Estimate, error) {
	var r Reply
	if err := c.call(ctx, EventInterpolate, req, &r); err != nil {
		return Estimate{}, err
	}
	if err := replyError(r); err != nil {
		return Estimate{}, err
	}
	return Estimate{Exact: r.Exact, Data: r.Data}, nil
}

// Push stores an encoded Interpolatable Collection.
func (c *Client) Push(ctx context.Context, data string) error {
	var r Reply
	if err := c.call(ctx, EventResults, ResultsRequest{Data: data}, &r); err != nil {
		return err
	}
	return replyError(r)
}

func (c *Client) call(ctx context.Context, event string, payload any, out *Reply) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.ch.Request(ctx, event, payload)
	if err != nil {
		return err
	}
	return msg.Decode(out)
}

// Close closes the channel.
func (c *Client) Close() error { return c.ch.Close() }
