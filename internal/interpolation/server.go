package interpolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/histogram"
)

// ChannelName is the bus channel the service serves.
const ChannelName = "interpolate"

// Bus events.
const (
	EventInterpolate = "interpolate"
	EventResults     = "results"
)

// Reply is the payload answering both events.
type Reply struct {
	Result string `json:"result"`
	Exact  bool   `json:"exact"`
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResultsRequest carries an encoded Interpolatable Collection to store.
type ResultsRequest struct {
	Data string `json:"data"`
}

// Server exposes a Service on the bus.
type Server struct {
	svc    *Service
	bus    *bus.Bus
	logger *slog.Logger
}

// NewServer returns a server for svc.
func NewServer(svc *Service, b *bus.Bus, logger *slog.Logger) *Server {
	return &Server{svc: svc, bus: b, logger: logger}
}

// Run serves requests until ctx ends. Each request is handled on its own
// goroutine.
func (s *Server) Run(ctx context.Context) error {
	ch, err := s.bus.Open(ctx, ChannelName, bus.Serve)
	if err != nil {
		return fmt.Errorf("interpolation: open %s: %w", ChannelName, err)
	}
	s.logger.Info("interpolation: serving", "channel", ChannelName)

	var wg sync.WaitGroup
	defer wg.Wait()
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	for in := range ch.Inbound() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, in)
		}()
	}
	return nil
}

func (s *Server) handle(ctx context.Context, in *bus.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("interpolation: handler panic", "event", in.Event, "panic", r)
		}
	}()

	var reply Reply
	switch in.Event {
	case EventInterpolate:
		reply = s.interpolate(ctx, in)
	case EventResults:
		reply = s.results(ctx, in)
	default:
		s.logger.Warn("interpolation: unknown event", "event", in.Event)
		reply = Reply{Result: "error", Error: "unknown event " + in.Event}
	}
	if in.ID == "" {
		return
	}
	if err := in.Reply(ctx, reply); err != nil {
		s.logger.Warn("interpolation: reply failed", "event", in.Event, "error", err)
	}
}

func errorReply(err error) Reply {
	msg := err.Error()
	if errors.Is(err, ErrInsufficientData) {
		msg = "insufficient data"
	}
	return Reply{Result: "error", Error: msg}
}

func (s *Server) interpolate(ctx context.Context, in *bus.Inbound) Reply {
	var req Request
	if err := in.Decode(&req); err != nil {
		return errorReply(err)
	}
	res, err := s.svc.Interpolate(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrInsufficientData) {
			s.logger.Warn("interpolation: query failed", "lab", req.Lab, "error", err)
		}
		return errorReply(err)
	}
	data, err := res.Collection.Encode()
	if err != nil {
		return errorReply(err)
	}
	return Reply{Result: "ok", Exact: res.Exact, Data: data}
}

func (s *Server) results(ctx context.Context, in *bus.Inbound) Reply {
	var req ResultsRequest
	if err := in.Decode(&req); err != nil {
		return errorReply(err)
	}
	c, err := histogram.DecodeInterpolatable(req.Data)
	if err != nil {
		return errorReply(err)
	}
	if err := s.svc.Insert(ctx, c); err != nil {
		s.logger.Warn("interpolation: insert failed", "tune", c.Tune.Key(), "error", err)
		return errorReply(err)
	}
	return Reply{Result: "ok"}
}

// replyError turns an error reply back into a Go error.
func replyError(r Reply) error {
	if r.Result == "ok" {
		return nil
	}
	if strings.EqualFold(r.Error, "insufficient data") {
		return ErrInsufficientData
	}
	return fmt.Errorf("interpolation: %s", r.Error)
}
