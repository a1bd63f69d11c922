package jobmanager

import (
	"context"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/model"
)

// serveIntercom answers announcements from managers starting later.
func (m *Manager) serveIntercom(ctx context.Context, intercom *bus.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-intercom.Inbound():
			if !ok {
				return nil
			}
			if in.Event != EventAnnounce || in.ID == "" {
				continue
			}
			var a Announce
			_ = in.Decode(&a)
			m.logger.Info("jobmanager: peer manager announced", "peer", a.Manager)
			if err := in.Reply(ctx, Announce{Manager: m.bus.ID()}); err != nil {
				m.logger.Warn("jobmanager: intercom reply", "error", err)
			}
		}
	}
}

// negotiate announces this manager. Without an answer it is the only one and
// takes over: agents it has not heard from go offline and unfinished jobs
// are recovered.
func (m *Manager) negotiate(ctx context.Context, intercom *bus.Channel) {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationWait)
	reply, err := intercom.Request(wctx, EventAnnounce, Announce{Manager: m.bus.ID()})
	cancel()
	if err == nil {
		var a Announce
		_ = reply.Decode(&a)
		m.mu.Lock()
		m.peers = true
		m.mu.Unlock()
		m.logger.Info("jobmanager: another manager is running", "peer", a.Manager)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := m.reg.UpdateAllPresence(ctx, model.AgentOffline, m.ConnectedAgents()...); err != nil {
		m.logger.Warn("jobmanager: reset agent presence", "error", err)
	}
	m.recoverJobs(ctx)
}

// recoverJobs requeues jobs a previous manager left unfinished. Running jobs
// stall, and stalled jobs go back to pending ahead of new submissions.
func (m *Manager) recoverJobs(ctx context.Context) {
	jobs, err := m.store.ListJobsByStatus(ctx, model.JobPending, model.JobStalled, model.JobRunning)
	if err != nil {
		m.logger.Error("jobmanager: list unfinished jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if j.Status == model.JobRunning {
			if err := m.store.UpdateJobStatus(ctx, j.ID, model.JobStalled); err != nil {
				m.logger.Warn("jobmanager: stall job", "job", j.ID, "error", err)
				continue
			}
			j.Status = model.JobStalled
		}
		high := j.Priority
		if j.Status == model.JobStalled {
			high = true
			if err := m.store.UpdateJobStatus(ctx, j.ID, model.JobPending); err != nil {
				m.logger.Warn("jobmanager: requeue", "job", j.ID, "error", err)
			} else {
				j.Status = model.JobPending
			}
		}
		for _, a := range m.sched.AgentsOf(j.ID) {
			if _, err := m.sched.Release(ctx, a.UUID); err != nil {
				m.logger.Warn("jobmanager: release agent", "agent", a.UUID, "error", err)
			}
		}
		if _, err := m.startActor(ctx, j); err != nil {
			m.logger.Warn("jobmanager: recover job", "job", j.ID, "error", err)
			continue
		}
		m.sched.Queue().Enqueue(j.ID, j.Group, high)
	}
	if len(jobs) > 0 {
		m.logger.Info("jobmanager: recovered jobs", "count", len(jobs))
		m.sched.Wake()
	}
}
