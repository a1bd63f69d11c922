// Package jobmanager is the control plane: it admits tune submissions,
// drives the scheduler, dispatches event budgets to agents, merges the
// partial results they stream back, and completes or reschedules jobs.
//
// All long-lived state hangs off a Manager value. Each live job is owned by an
// actor goroutine that serializes everything touching that job.
package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/interpolation"
	"github.com/vlhc/tunelab/internal/kv"
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/ratelimit"
	"github.com/vlhc/tunelab/internal/reference"
	"github.com/vlhc/tunelab/internal/registry"
	"github.com/vlhc/tunelab/internal/scheduler"
	"github.com/vlhc/tunelab/internal/telemetry"
)

// Labs resolves lab descriptors.
type Labs interface {
	Get(id string) (*lab.Lab, error)
}

// References returns the reference lookup of a lab.
type References interface {
	For(labID string) reference.Lookup
}

// Interpolator is the client side of the Interpolation Service.
type Interpolator interface {
	Interpolate(ctx context.Context, req interpolation.Request) (interpolation.Estimate, error)
	Push(ctx context.Context, data string) error
}

// Config holds the manager's timing and policy knobs.
type Config struct {
	Version            string
	SchedulerTick      time.Duration
	RPCTimeout         time.Duration
	InterpolateTimeout time.Duration
	NegotiationWait    time.Duration
	KeepaliveInterval  time.Duration
	MaxReschedules     int
	Chi2Uncertainty    float64
	DefaultGroup       string
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.InterpolateTimeout <= 0 {
		c.InterpolateTimeout = 3 * time.Second
	}
	if c.NegotiationWait <= 0 {
		c.NegotiationWait = 3 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.MaxReschedules <= 0 {
		c.MaxReschedules = 10
	}
	if c.DefaultGroup == "" {
		c.DefaultGroup = "default"
	}
	return c
}

// Deps are the collaborators of a Manager. Interpolator, Notifier and Limiter
// may be nil.
type Deps struct {
	Store        Store
	Labs         Labs
	References   References
	Registry     *registry.Registry
	Scheduler    *scheduler.Scheduler
	KV           kv.Store
	Locker       *kv.Locker
	Bus          *bus.Bus
	Interpolator Interpolator
	Notifier     Notifier
	Limiter      ratelimit.Limiter
	Logger       *slog.Logger
}

// Manager is the Job Manager.
type Manager struct {
	cfg    Config
	store  Store
	labs   Labs
	refs   References
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	kv     kv.Store
	locker *kv.Locker
	bus    *bus.Bus
	interp Interpolator
	notify Notifier
	limit  ratelimit.Limiter
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	conns  map[string]*agentConn
	actors map[int64]*actor
	peers  bool
	ready  chan struct{}

	notifications *bus.Channel
	wg            sync.WaitGroup

	framesMerged  metric.Int64Counter
	framesDropped metric.Int64Counter
}

// New returns a Manager. Call Run to start it.
func New(cfg Config, deps Deps) *Manager {
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		store:  deps.Store,
		labs:   deps.Labs,
		refs:   deps.References,
		reg:    deps.Registry,
		sched:  deps.Scheduler,
		kv:     deps.KV,
		locker: deps.Locker,
		bus:    deps.Bus,
		interp: deps.Interpolator,
		notify: deps.Notifier,
		limit:  limiter,
		logger: deps.Logger,
		conns:  make(map[string]*agentConn),
		actors: make(map[int64]*actor),
		ready:  make(chan struct{}),
	}
	m.registerMetrics()
	return m
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("tunelab/jobmanager")
	m.framesMerged, _ = meter.Int64Counter("tunelab.frames.merged",
		metric.WithDescription("job_data frames folded into a job"),
	)
	m.framesDropped, _ = meter.Int64Counter("tunelab.frames.dropped",
		metric.WithDescription("job_data frames dropped"),
	)
	_, _ = meter.Int64ObservableGauge("tunelab.queue.depth",
		metric.WithDescription("Jobs waiting for agents"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.sched.Queue().Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tunelab.jobs.live",
		metric.WithDescription("Jobs owned by an actor"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.LiveJobs()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tunelab.agents.online",
		metric.WithDescription("Online agents"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var n int64
			for _, a := range m.reg.List() {
				if a.Online() {
					n++
				}
			}
			o.Observe(n)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tunelab.agents.free",
		metric.WithDescription("Agents eligible for new work"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var n int64
			for _, a := range m.reg.List() {
				if m.reg.Eligible(a) {
					n++
				}
			}
			o.Observe(n)
			return nil
		}),
	)
}

func (m *Manager) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

// LiveJobs is the number of jobs owned by an actor.
func (m *Manager) LiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// ConnectedAgents lists agents with an open channel.
func (m *Manager) ConnectedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Ready is closed once startup negotiation is over.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Sole reports whether no other manager answered at startup.
func (m *Manager) Sole() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.peers
}

// Registry exposes the agent registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Scheduler exposes the scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Overview is a point-in-time summary of the manager.
type Overview struct {
	Version  string                     `json:"version"`
	Sole     bool                       `json:"sole"`
	LiveJobs int                        `json:"liveJobs"`
	Queue    []scheduler.Entry          `json:"queue"`
	Groups   map[string]scheduler.Usage `json:"groups"`
}

// Overview reports the queue, live jobs and per-group usage.
func (m *Manager) Overview() Overview {
	o := Overview{
		Version:  m.cfg.Version,
		Sole:     m.Sole(),
		LiveJobs: m.LiveJobs(),
		Queue:    m.sched.Queue().Entries(),
		Groups:   make(map[string]scheduler.Usage),
	}
	for _, g := range m.reg.Groups() {
		o.Groups[g] = m.sched.Measure(g)
	}
	return o
}

// Agents lists every known agent.
func (m *Manager) Agents() []*model.Agent { return m.reg.List() }

// Job returns a job row.
func (m *Manager) Job(ctx context.Context, id int64) (*model.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// Run serves the manager's channels until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.reg.Load(ctx); err != nil {
		return err
	}

	intercom, err := m.bus.Open(ctx, ChannelIntercom, bus.Broadcast)
	if err != nil {
		return fmt.Errorf("jobmanager: %w", err)
	}
	lobby, err := m.bus.Open(ctx, ChannelAgents, bus.Serve)
	if err != nil {
		_ = intercom.Close()
		return fmt.Errorf("jobmanager: %w", err)
	}
	jobs, err := m.bus.Open(ctx, ChannelJobs, bus.Serve)
	if err != nil {
		_ = intercom.Close()
		_ = lobby.Close()
		return fmt.Errorf("jobmanager: %w", err)
	}
	notifications, err := m.bus.Open(ctx, ChannelNotifications, bus.Broadcast)
	if err != nil {
		_ = intercom.Close()
		_ = lobby.Close()
		_ = jobs.Close()
		return fmt.Errorf("jobmanager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.ctx = gctx
	m.notifications = notifications
	m.mu.Unlock()

	g.Go(func() error { return m.serveIntercom(gctx, intercom) })
	g.Go(func() error { return m.serveLobby(gctx, lobby) })

	m.negotiate(gctx, intercom)
	close(m.ready)

	g.Go(func() error { return m.serveJobs(gctx, jobs) })
	g.Go(func() error { return m.scheduleLoop(gctx) })
	g.Go(func() error { return m.keepaliveLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		for _, ch := range []*bus.Channel{intercom, lobby, jobs, notifications} {
			_ = ch.Close()
		}
		return nil
	})
	m.logger.Info("jobmanager: running", "manager", m.bus.ID(), "sole", m.Sole())

	err = g.Wait()
	m.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// shutdown closes agent channels and waits for actors.
func (m *Manager) shutdown() {
	m.mu.Lock()
	conns := make([]*agentConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.ch.Close()
	}
	m.wg.Wait()
	m.logger.Info("jobmanager: stopped")
}

// guard recovers a handler panic so the serving loop survives it.
func (m *Manager) guard(what string) {
	if r := recover(); r != nil {
		m.logger.Warn("jobmanager: handler panic", "handler", what, "panic", r)
	}
}

// publishNotification broadcasts a completion to every peer and listener.
func (m *Manager) publishNotification(ctx context.Context, n Notification) {
	m.mu.Lock()
	ch := m.notifications
	m.mu.Unlock()
	if ch != nil {
		if err := ch.Send(ctx, EventNotifyComplete, n); err != nil {
			m.logger.Warn("jobmanager: notification failed", "job", n.JID, "error", err)
		}
	}
}
