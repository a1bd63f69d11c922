// Package registry is the authoritative view of worker agents. Every change
// to an agent record goes through a Registry method, is applied to the
// in-memory copy under one mutex and is written through to the Store in the
// same critical section, so the persisted order matches the applied order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vlhc/tunelab/internal/model"
)

var (
	// ErrUnknownAgent is returned for operations on an agent never seen.
	ErrUnknownAgent = errors.New("registry: unknown agent")
	// ErrNotEligible is returned when binding an agent that cannot take work.
	ErrNotEligible = errors.New("registry: agent not eligible")
)

// Store persists agent records.
type Store interface {
	UpsertAgent(ctx context.Context, a *model.Agent) error
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	InsertAgentFailure(ctx context.Context, f model.AgentFailure) error
}

// Config holds the retry cooldown applied to failing agents.
type Config struct {
	FailLimit int
	FailDelay time.Duration
}

// Registry owns agent records.
type Registry struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	agents map[string]*model.Agent
	groups []string
}

// New returns an empty registry. Call Load to read persisted agents.
func New(store Store, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		agents: make(map[string]*model.Agent),
	}
}

// Load replaces the in-memory view with the persisted agents.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*model.Agent, len(list))
	for _, a := range list {
		r.agents[a.UUID] = a
	}
	r.groups = nil
	r.logger.Info("registry: agents loaded", "count", len(list))
	return nil
}

// update applies fn to a copy of the agent, persists it and only then swaps
// it in. Caller holds mu.
func (r *Registry) update(ctx context.Context, uuid string, fn func(a *model.Agent)) (*model.Agent, error) {
	a, ok := r.agents[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, uuid)
	}
	return r.commit(ctx, a.Clone(), fn)
}

// commit applies fn to a, persists it and stores it in the map. Caller holds
// mu.
func (r *Registry) commit(ctx context.Context, a *model.Agent, fn func(a *model.Agent)) (*model.Agent, error) {
	fn(a)
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("registry: persist %s: %w", a.UUID, err)
	}
	r.agents[a.UUID] = a
	return a.Clone(), nil
}

// GetOrCreate returns the agent, creating an offline record on first sight.
func (r *Registry) GetOrCreate(ctx context.Context, uuid string) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[uuid]; ok {
		return a.Clone(), nil
	}
	a := &model.Agent{UUID: uuid, Slots: 1, State: model.AgentOffline, LastActivity: r.now()}
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", uuid, err)
	}
	r.agents[uuid] = a
	r.groups = nil
	return a.Clone(), nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(uuid string) (*model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uuid]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns copies of every agent ordered by uuid.
func (r *Registry) List() []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, id := range slices.Sorted(maps.Keys(r.agents)) {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// Groups returns the known group names, sorted. The list is cached until an
// agent reports a group not in it.
func (r *Registry) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		set := make(map[string]struct{})
		for _, a := range r.agents {
			if a.Group != "" {
				set[a.Group] = struct{}{}
			}
		}
		r.groups = slices.Sorted(maps.Keys(set))
	}
	return slices.Clone(r.groups)
}

// GetGroup returns copies of the agents in a group ordered by uuid.
func (r *Registry) GetGroup(name string) []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Agent
	for _, id := range slices.Sorted(maps.Keys(r.agents)) {
		if a := r.agents[id]; a.Group == name {
			out = append(out, a.Clone())
		}
	}
	return out
}

// JobAgents returns copies of the agents bound to a job ordered by uuid.
func (r *Registry) JobAgents(job int64) []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Agent
	for _, id := range slices.Sorted(maps.Keys(r.agents)) {
		if a := r.agents[id]; a.ActiveJob == job {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Touch stamps the agent's last activity.
func (r *Registry) Touch(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.update(ctx, uuid, func(a *model.Agent) { a.LastActivity = r.now() })
	return err
}

// UpdatePresence sets the agent's state.
func (r *Registry) UpdatePresence(ctx context.Context, uuid string, state model.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.State = state
		a.LastActivity = r.now()
	})
	return err
}

// UpdateAllPresence sets state on every agent not in exclude. Agents going
// offline lose their job binding.
func (r *Registry) UpdateAllPresence(ctx context.Context, state model.AgentState, exclude ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(r.agents)) {
		if slices.Contains(exclude, id) || r.agents[id].State == state {
			continue
		}
		_, err := r.update(ctx, id, func(a *model.Agent) {
			a.State = state
			if state == model.AgentOffline {
				a.ActiveJob, a.ActiveQuota = 0, 0
			}
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handshake records what the agent announced and lifts it online. When the
// agent reports free slots, a binding it still holds is stale: the binding is
// cleared and the job it pointed to is returned.
func (r *Registry) Handshake(ctx context.Context, uuid string, hs model.Handshake) (*model.Agent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uuid]
	if ok {
		a = a.Clone()
	} else {
		a = &model.Agent{UUID: uuid, State: model.AgentOffline}
	}
	var stale int64
	updated, err := r.commit(ctx, a, func(a *model.Agent) {
		if hs.Group != "" {
			a.Group = hs.Group
		}
		if hs.Slots > 0 {
			a.Slots = hs.Slots
		}
		a.Version, a.Features, a.IP = hs.Version, hs.Features, hs.IP
		if hs.Latitude != nil && hs.Longitude != nil {
			a.Latitude, a.Longitude = hs.Latitude, hs.Longitude
		}
		if hs.FreeSlots > 0 && a.ActiveJob != 0 {
			stale = a.ActiveJob
			a.ActiveJob, a.ActiveQuota = 0, 0
		}
		if a.ActiveJob != 0 {
			a.State = model.AgentBusy
		} else {
			a.State = model.AgentIdle
		}
		a.LastActivity = r.now()
	})
	if err != nil {
		return nil, 0, err
	}
	if !ok || (hs.Group != "" && r.groups != nil && !slices.Contains(r.groups, hs.Group)) {
		r.groups = nil
	}
	return updated, stale, nil
}

// Eligible reports whether the agent may receive new work now.
func (r *Registry) Eligible(a *model.Agent) bool {
	return a.Eligible(r.now(), r.cfg.FailLimit, r.cfg.FailDelay)
}

// Bind assigns an eligible agent to a job.
func (r *Registry) Bind(ctx context.Context, uuid string, job int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, uuid)
	}
	if !r.Eligible(a) {
		return fmt.Errorf("%w: %s", ErrNotEligible, uuid)
	}
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.ActiveJob, a.ActiveQuota = job, 0
		a.State = model.AgentBusy
	})
	return err
}

// Rebind moves an agent from one job to another. It fails if the agent is
// no longer bound to from.
func (r *Registry) Rebind(ctx context.Context, uuid string, from, to int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, uuid)
	}
	if a.ActiveJob != from || !a.Online() {
		return fmt.Errorf("%w: %s left job %d", ErrNotEligible, uuid, from)
	}
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.ActiveJob, a.ActiveQuota = to, 0
		a.State = model.AgentBusy
	})
	return err
}

// Unbind clears the agent's job binding and returns the job it held.
func (r *Registry) Unbind(ctx context.Context, uuid string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var job int64
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		job = a.ActiveJob
		a.ActiveJob, a.ActiveQuota = 0, 0
		if a.State == model.AgentBusy {
			a.State = model.AgentIdle
		}
	})
	return job, err
}

// Lost marks the agent offline, clears its binding and returns the job it
// held.
func (r *Registry) Lost(ctx context.Context, uuid string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var job int64
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		job = a.ActiveJob
		a.ActiveJob, a.ActiveQuota = 0, 0
		a.State = model.AgentOffline
		a.LastActivity = r.now()
	})
	return job, err
}

// RecordJobSent stamps a dispatch of quota events for the agent's bound job
// and returns the new dispatch sequence number.
func (r *Registry) RecordJobSent(ctx context.Context, uuid string, quota int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.ActiveQuota = quota
		a.ActiveSeq++
		a.JobsSent++
		a.LastActivity = r.now()
	})
	if err != nil {
		return 0, err
	}
	return a.ActiveSeq, nil
}

// RecordJobSuccess counts a completed job and resets the failure counters.
func (r *Registry) RecordJobSuccess(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.JobsSucceeded++
		a.FailCount, a.FailAt = 0, nil
		a.LastActivity = r.now()
	})
	return err
}

// RecordJobFailure counts a failed job, starts the retry cooldown and stores
// the postmortem.
func (r *Registry) RecordJobFailure(ctx context.Context, uuid string, job int64, postmortem []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if _, err := r.update(ctx, uuid, func(a *model.Agent) {
		a.JobsFailed++
		a.FailCount++
		a.FailAt = &now
		a.LastActivity = now
	}); err != nil {
		return err
	}
	if err := r.store.InsertAgentFailure(ctx, model.AgentFailure{
		AgentUUID: uuid, JobID: job, Postmortem: postmortem, FailedAt: now,
	}); err != nil {
		return fmt.Errorf("registry: record failure of %s: %w", uuid, err)
	}
	return nil
}

// RecordJobAborted counts a job the agent was told to stop. Failure counters
// are left alone.
func (r *Registry) RecordJobAborted(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.update(ctx, uuid, func(a *model.Agent) { a.JobsAborted++ })
	return err
}
