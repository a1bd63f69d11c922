package jobmanager

import (
	"context"
	"time"

	"github.com/vlhc/tunelab/internal/scheduler"
)

// scheduleLoop runs a scheduling pass on every tick and every wakeup.
func (m *Manager) scheduleLoop(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SchedulerTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-m.sched.Wakeups():
		}
		m.schedule(ctx)
	}
}

// schedule allocates agents to queued jobs. A job that gets none stays queued
// and its group is skipped for the rest of the pass. Preempted agents are
// cancelled on their old job before the new job's actor dispatches them.
func (m *Manager) schedule(ctx context.Context) {
	blocked := make(map[string]bool)
	for ctx.Err() == nil {
		e, ok := m.sched.Next(blocked)
		if !ok {
			return
		}
		act := m.actor(e.Job)
		if act == nil {
			m.sched.Queue().Remove(e.Job)
			continue
		}
		alloc, err := m.sched.Allocate(ctx, e.Job, e.Group)
		if err != nil {
			m.logger.Warn("jobmanager: allocate", "job", e.Job, "error", err)
			blocked[e.Group] = true
			continue
		}
		if alloc.Empty() {
			blocked[e.Group] = true
			continue
		}
		m.sched.Queue().Remove(e.Job)
		for _, p := range alloc.Preempt {
			m.preempt(ctx, p)
		}
		if !act.post(dispatchMsg{alloc: alloc}) {
			m.release(ctx, alloc.Agents())
		}
	}
}

func (m *Manager) preempt(ctx context.Context, p scheduler.Preemption) {
	if err := m.cancelOnAgent(ctx, p.Agent, p.Job); err != nil {
		m.logger.Warn("jobmanager: preempt cancel failed", "agent", p.Agent, "job", p.Job, "error", err)
		if _, err := m.sched.Lost(ctx, p.Agent); err != nil {
			m.logger.Warn("jobmanager: mark agent lost", "agent", p.Agent, "error", err)
		}
	} else if err := m.reg.RecordJobAborted(ctx, p.Agent); err != nil {
		m.logger.Warn("jobmanager: record abort", "agent", p.Agent, "error", err)
	}
	m.agentLeft(p.Job, p.Agent)
}

func (m *Manager) release(ctx context.Context, agents []string) {
	for _, uuid := range agents {
		if _, err := m.sched.Release(ctx, uuid); err != nil {
			m.logger.Warn("jobmanager: release agent", "agent", uuid, "error", err)
		}
	}
}
