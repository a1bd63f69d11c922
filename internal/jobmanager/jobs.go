package jobmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/interpolation"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/storage"
)

const defaultSimilarLimit = 5

// serveJobs answers the jobs channel. Each request runs on its own goroutine.
func (m *Manager) serveJobs(ctx context.Context, jobs *bus.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-jobs.Inbound():
			if !ok {
				return nil
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.handleJobs(ctx, in)
			}()
		}
	}
}

func (m *Manager) handleJobs(ctx context.Context, in *bus.Inbound) {
	defer m.guard(in.Event)

	var reply Reply
	switch in.Event {
	case EventJobStart:
		var req StartRequest
		if err := in.Decode(&req); err != nil {
			reply = errorReply("malformed request")
			break
		}
		reply = m.Start(ctx, req)
	case EventJobCancel, EventJobRefresh, EventJobResults, EventJobStatus:
		var ref JobRef
		if err := in.Decode(&ref); err != nil {
			reply = errorReply("malformed request")
			break
		}
		switch in.Event {
		case EventJobCancel:
			reply = m.Cancel(ctx, ref.JID)
		case EventJobRefresh:
			reply = m.Refresh(ctx, ref.JID)
		case EventJobResults:
			reply = m.Results(ctx, ref.JID)
		default:
			reply = m.Status(ctx, ref.JID)
		}
	case EventJobSimilar:
		var req SimilarRequest
		if err := in.Decode(&req); err != nil {
			reply = errorReply("malformed request")
			break
		}
		reply = m.Similar(ctx, req)
	default:
		reply = errorReply(fmt.Sprintf("unknown event %q", in.Event))
	}

	if in.ID == "" {
		return
	}
	if err := in.Reply(ctx, reply); err != nil {
		m.logger.Warn("jobmanager: reply failed", "event", in.Event, "error", err)
	}
}

// jobError turns a lookup failure into a reply.
func (m *Manager) jobError(id int64, err error) Reply {
	if errors.Is(err, ErrJobNotFound) {
		return errorReply("not found")
	}
	m.logger.Error("jobmanager: load job", "job", id, "error", err)
	return errorReply("internal error")
}

// Start admits a submission. A completed job with the same tune answers it
// from storage; otherwise a job is created and queued, and an interpolated
// preview is requested in the background.
func (m *Manager) Start(ctx context.Context, req StartRequest) Reply {
	owner := req.User
	if owner == "" {
		owner = "anonymous"
	}
	allowed, err := m.limit.Allow(ctx, "submit:"+owner)
	if err != nil {
		m.logger.Warn("jobmanager: rate limiter error, allowing", "user", owner, "error", err)
	} else if !allowed {
		return errorReply("rate limit exceeded")
	}

	l, err := m.labs.Get(req.Lab)
	if err != nil {
		return errorReply(err.Error())
	}
	t, err := l.Canonicalize(req.Parameters)
	if err != nil {
		return errorReply(err.Error())
	}
	group := req.Group
	if group == "" {
		group = req.Team
	}
	if group == "" {
		group = m.cfg.DefaultGroup
	}
	j := &model.Job{
		LabID:      l.ID,
		Group:      group,
		Owner:      req.User,
		Team:       req.Team,
		Paper:      req.Paper,
		Parameters: t,
	}

	prev, err := m.store.FindCompletedByTune(ctx, t)
	switch {
	case err == nil:
		if payload, perr := m.result(ctx, prev); perr == nil {
			if err := m.store.CloneJob(ctx, j, prev.ID, "cache"); err != nil {
				m.logger.Error("jobmanager: clone job", "source", prev.ID, "error", err)
				return errorReply("internal error")
			}
			m.logger.Info("jobmanager: answered from stored result", "job", j.ID, "source", prev.ID)
			return Reply{Result: ResultExists, JID: j.ID, Data: string(payload), Fit: j.Fit, FitScores: j.FitScores}
		}
	case !errors.Is(err, storage.ErrNotFound):
		m.logger.Warn("jobmanager: stored result lookup", "error", err)
	}

	if err := m.store.CreateJob(ctx, j); err != nil {
		m.logger.Error("jobmanager: create job", "error", err)
		return errorReply("internal error")
	}
	act, err := m.startActor(ctx, j)
	if err != nil {
		m.logger.Error("jobmanager: start job", "job", j.ID, "error", err)
		_ = m.store.UpdateJobStatus(ctx, j.ID, model.JobFailed)
		return errorReply("internal error")
	}
	m.sched.Queue().Enqueue(j.ID, group, false)
	m.sched.Wake()
	m.logger.Info("jobmanager: job submitted", "job", j.ID, "lab", l.ID, "group", group, "user", req.User)

	if m.interp != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.preview(act, j)
		}()
	}
	return Reply{Result: ResultScheduled, JID: j.ID, DataChannel: model.DataChannel(j.ID)}
}

// preview asks the interpolation service for an estimate of the job's tune.
func (m *Manager) preview(act *actor, j *model.Job) {
	m.mu.Lock()
	base := m.ctx
	m.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, m.cfg.InterpolateTimeout)
	defer cancel()
	est, err := m.interp.Interpolate(ctx, interpolation.Request{Lab: j.LabID, Parameters: j.Parameters.Map()})
	if err != nil {
		m.logger.Debug("jobmanager: no interpolation", "job", j.ID, "error", err)
		return
	}
	act.post(estimateMsg{est: est})
}

// result loads the stored result of a job, following clones to their source.
func (m *Manager) result(ctx context.Context, j *model.Job) ([]byte, error) {
	id := j.ID
	if src, ok := j.SourceJob(); ok {
		id = src
	}
	return m.store.GetJobResult(ctx, id)
}

// Cancel stops a live job.
func (m *Manager) Cancel(ctx context.Context, id int64) Reply {
	j, err := m.Job(ctx, id)
	if err != nil {
		return m.jobError(id, err)
	}
	if act := m.actor(id); act != nil {
		if err := act.cancel(ctx); err != nil {
			return errorReply(err.Error())
		}
		return Reply{Result: ResultOK, JID: id}
	}
	if j.Status.Terminal() {
		return errorReply(fmt.Sprintf("job is %s", j.Status))
	}
	if err := m.store.UpdateJobStatus(ctx, id, model.JobCancelled); err != nil {
		return errorReply(err.Error())
	}
	m.sched.Queue().Remove(id)
	return Reply{Result: ResultOK, JID: id}
}

// Refresh republishes a job's latest state on its data channel.
func (m *Manager) Refresh(ctx context.Context, id int64) Reply {
	j, err := m.Job(ctx, id)
	if err != nil {
		return m.jobError(id, err)
	}
	if act := m.actor(id); act != nil {
		if err := act.refresh(ctx); err != nil {
			return errorReply(err.Error())
		}
		return Reply{Result: ResultOK, JID: id, DataChannel: model.DataChannel(id)}
	}
	if j.Status != model.JobCompleted && j.Status != model.JobCloned {
		return errorReply(fmt.Sprintf("job is %s", j.Status))
	}
	payload, err := m.result(ctx, j)
	if err != nil {
		return errorReply("no result")
	}
	ch, err := m.bus.Open(ctx, model.DataChannel(id), bus.Serve)
	if err != nil {
		return errorReply(err.Error())
	}
	defer ch.Close()
	var fit float64
	if j.Fit != nil {
		fit = *j.Fit
	}
	if err := ch.Send(ctx, EventJobData, JobData{JID: id, Data: string(payload)}); err != nil {
		return errorReply(err.Error())
	}
	if err := ch.Send(ctx, EventJobCompleted, Completed{JID: id, Fit: fit, Data: string(payload)}); err != nil {
		return errorReply(err.Error())
	}
	return Reply{Result: ResultOK, JID: id, DataChannel: model.DataChannel(id)}
}

// Results returns the stored result and marks it acknowledged.
func (m *Manager) Results(ctx context.Context, id int64) Reply {
	j, err := m.Job(ctx, id)
	if err != nil {
		return m.jobError(id, err)
	}
	payload, err := m.result(ctx, j)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorReply(fmt.Sprintf("no result, job is %s", j.Status))
		}
		m.logger.Error("jobmanager: load result", "job", id, "error", err)
		return errorReply("internal error")
	}
	if err := m.store.AcknowledgeJob(ctx, id); err != nil {
		m.logger.Warn("jobmanager: acknowledge", "job", id, "error", err)
	}
	return Reply{Result: ResultOK, JID: id, Data: string(payload), Fit: j.Fit, FitScores: j.FitScores}
}

// Status reports a job row and the agents working on it.
func (m *Manager) Status(ctx context.Context, id int64) Reply {
	j, err := m.Job(ctx, id)
	if err != nil {
		return m.jobError(id, err)
	}
	var agents []string
	for _, a := range m.sched.AgentsOf(id) {
		agents = append(agents, a.UUID)
	}
	return Reply{Result: ResultOK, JID: id, Job: j, Agents: agents}
}

// Similar lists completed jobs of the lab nearest to a tune.
func (m *Manager) Similar(ctx context.Context, req SimilarRequest) Reply {
	l, err := m.labs.Get(req.Lab)
	if err != nil {
		return errorReply(err.Error())
	}
	t, err := l.Canonicalize(req.Parameters)
	if err != nil {
		return errorReply(err.Error())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	found, err := m.store.NearestCompleted(ctx, t, limit)
	if err != nil {
		m.logger.Error("jobmanager: nearest completed", "error", err)
		return errorReply("internal error")
	}
	out := make([]SimilarJob, 0, len(found))
	for _, s := range found {
		out = append(out, SimilarJob{JID: s.Job.ID, Distance: s.Distance, Fit: s.Job.Fit, Parameters: s.Job.Parameters})
	}
	return Reply{Result: ResultOK, Similar: out}
}
