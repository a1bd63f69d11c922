// Package scheduler allocates agents to jobs with per-group fair share and
// keeps the queue of jobs waiting for agents.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/registry"
)

// Usage is a group's resource measurement.
type Usage struct {
	// Total counts online agents.
	Total int `json:"total"`
	// Free counts agents eligible for new work.
	Free int `json:"free"`
	// Busy counts agents bound to a job.
	Busy int `json:"busy"`
	// Distinct counts jobs holding at least one agent.
	Distinct int `json:"distinct"`
}

// FairShare is the number of agents a new job is entitled to.
func (u Usage) FairShare() int {
	if u.Distinct == 0 {
		return u.Total
	}
	return ceilDiv(u.Total, u.Distinct+1)
}

// Fits reports whether a new job can get any agent.
func (u Usage) Fits() bool {
	return u.Free > 0 || u.Distinct < u.Total
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Preemption is an agent taken from a running job.
type Preemption struct {
	Agent string `json:"agent"`
	Job   int64  `json:"job"`
}

// Allocation is the outcome of Allocate. Every agent listed is already bound
// to the new job.
type Allocation struct {
	Reserve []string     `json:"reserve"`
	Preempt []Preemption `json:"preempt"`
}

// Empty reports whether no agent was obtained.
func (a Allocation) Empty() bool { return len(a.Reserve) == 0 && len(a.Preempt) == 0 }

// Agents lists every agent of the allocation.
func (a Allocation) Agents() []string {
	out := slices.Clone(a.Reserve)
	for _, p := range a.Preempt {
		out = append(out, p.Agent)
	}
	return out
}

// Scheduler measures groups and binds agents through the registry.
type Scheduler struct {
	reg    *registry.Registry
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	queue *Queue
	wake  chan struct{}
}

// New returns a scheduler over reg with an empty queue.
func New(reg *registry.Registry, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reg:    reg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		queue:  NewQueue(),
		wake:   make(chan struct{}, 1),
	}
}

// Queue is the job queue.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Wake asks the scheduling loop to run soon. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wakeups delivers Wake requests.
func (s *Scheduler) Wakeups() <-chan struct{} { return s.wake }

func (s *Scheduler) groupLock(group string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[group]
	if !ok {
		l = &sync.Mutex{}
		s.locks[group] = l
	}
	return l
}

// measure counts the group. Caller holds the group lock.
func (s *Scheduler) measure(agents []*model.Agent) Usage {
	var u Usage
	jobs := make(map[int64]struct{})
	for _, a := range agents {
		if !a.Online() {
			continue
		}
		u.Total++
		if s.reg.Eligible(a) {
			u.Free++
		}
		if a.ActiveJob != 0 {
			u.Busy++
			jobs[a.ActiveJob] = struct{}{}
		}
	}
	u.Distinct = len(jobs)
	return u
}

// Measure returns the group's usage.
func (s *Scheduler) Measure(group string) Usage {
	l := s.groupLock(group)
	l.Lock()
	defer l.Unlock()
	return s.measure(s.reg.GetGroup(group))
}

// Fits reports whether a job in group could get an agent now.
func (s *Scheduler) Fits(group string) bool { return s.Measure(group).Fits() }

type victim struct {
	job    int64
	agents []string
}

// Allocate reserves agents of group for job: its fair share from free
// agents, topped up by preempting jobs holding more than one agent. The
// returned agents are bound to job before the group lock is released.
func (s *Scheduler) Allocate(ctx context.Context, job int64, group string) (Allocation, error) {
	l := s.groupLock(group)
	l.Lock()
	defer l.Unlock()

	agents := s.reg.GetGroup(group)
	u := s.measure(agents)
	var alloc Allocation
	if !u.Fits() {
		return alloc, nil
	}
	share := u.FairShare()

	var free []string
	held := make(map[int64][]string)
	for _, a := range agents {
		if !a.Online() {
			continue
		}
		if s.reg.Eligible(a) {
			free = append(free, a.UUID)
		}
		if a.ActiveJob != 0 && a.ActiveJob != job {
			held[a.ActiveJob] = append(held[a.ActiveJob], a.UUID)
		}
	}

	for _, id := range free[:min(share, len(free))] {
		if err := s.reg.Bind(ctx, id, job); err != nil {
			s.logger.Warn("scheduler: bind failed", "agent", id, "job", job, "error", err)
			continue
		}
		alloc.Reserve = append(alloc.Reserve, id)
	}

	need := share - len(alloc.Reserve)
	if need > 0 && u.Distinct > 0 {
		victims := make([]victim, 0, len(held))
		for id, list := range held {
			if len(list) > 1 {
				victims = append(victims, victim{job: id, agents: list})
			}
		}
		slices.SortFunc(victims, func(a, b victim) int {
			if c := cmp.Compare(len(b.agents), len(a.agents)); c != 0 {
				return c
			}
			return cmp.Compare(a.agents[0], b.agents[0])
		})
		trimdown := max(ceilDiv(share, u.Distinct), 1)
		for _, v := range victims {
			if need == 0 {
				break
			}
			take := min(trimdown, need, len(v.agents)-1)
			for _, id := range v.agents[:take] {
				if err := s.reg.Rebind(ctx, id, v.job, job); err != nil {
					s.logger.Warn("scheduler: preempt failed", "agent", id, "from", v.job, "to", job, "error", err)
					continue
				}
				alloc.Preempt = append(alloc.Preempt, Preemption{Agent: id, Job: v.job})
				need--
			}
		}
	}

	if !alloc.Empty() {
		s.logger.Info("scheduler: allocated",
			"job", job, "group", group, "share", share,
			"reserved", len(alloc.Reserve), "preempted", len(alloc.Preempt))
	}
	return alloc, nil
}

// Release unbinds an agent from its job and returns the job.
func (s *Scheduler) Release(ctx context.Context, agent string) (int64, error) {
	a, ok := s.reg.Get(agent)
	if !ok {
		return 0, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, agent)
	}
	l := s.groupLock(a.Group)
	l.Lock()
	defer l.Unlock()
	job, err := s.reg.Unbind(ctx, agent)
	if err == nil {
		s.Wake()
	}
	return job, err
}

// Lost marks an agent offline, unbinds it and returns the job it held.
func (s *Scheduler) Lost(ctx context.Context, agent string) (int64, error) {
	a, ok := s.reg.Get(agent)
	if !ok {
		return 0, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, agent)
	}
	l := s.groupLock(a.Group)
	l.Lock()
	defer l.Unlock()
	return s.reg.Lost(ctx, agent)
}

// AgentsOf returns the agents bound to a job ordered by uuid.
func (s *Scheduler) AgentsOf(job int64) []*model.Agent { return s.reg.JobAgents(job) }

// Next returns the first queued job whose group can get an agent now,
// skipping the groups in blocked. The job stays queued until removed.
func (s *Scheduler) Next(blocked map[string]bool) (Entry, bool) {
	fits := make(map[string]bool)
	return s.queue.First(func(e Entry) bool {
		if blocked[e.Group] {
			return false
		}
		ok, seen := fits[e.Group]
		if !seen {
			ok = s.Fits(e.Group)
			fits[e.Group] = ok
		}
		return ok
	})
}
