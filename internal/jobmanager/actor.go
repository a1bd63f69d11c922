package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/histogram"
	"github.com/vlhc/tunelab/internal/interpolation"
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/reference"
	"github.com/vlhc/tunelab/internal/scheduler"
	"github.com/vlhc/tunelab/internal/storage"
)

const inboxSize = 256

// Actor inbox messages.
type (
	frameMsg struct {
		agent string
		data  JobData
	}
	completedMsg struct {
		agent  string
		report AgentCompleted
	}
	leftMsg struct {
		agent string
	}
	dispatchMsg struct {
		alloc scheduler.Allocation
	}
	estimateMsg struct {
		est interpolation.Estimate
	}
	cancelMsg struct {
		reply chan error
	}
	refreshMsg struct {
		reply chan error
	}
)

// part is one dispatch of an agent to the job.
type part struct {
	seq    int64
	quota  int64
	events int64
	active bool
}

// actor owns a live job. Its goroutine is the only writer of the job's merge
// state and status while the job is live.
type actor struct {
	m      *Manager
	job    *model.Job
	lab    *lab.Lab
	buf    buffers
	data   *bus.Channel
	logger *slog.Logger

	inbox chan any
	done  chan struct{}

	parts     map[string]*part
	merged    *histogram.IntermediateCollection
	events    int64
	cancelled bool
}

// actor returns the actor of a live job, or nil.
func (m *Manager) actor(id int64) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[id]
}

// startActor creates the actor of j unless one exists.
func (m *Manager) startActor(ctx context.Context, j *model.Job) (*actor, error) {
	if a := m.actor(j.ID); a != nil {
		return a, nil
	}
	l, err := m.labs.Get(j.LabID)
	if err != nil {
		return nil, err
	}
	data, err := m.bus.Open(ctx, model.DataChannel(j.ID), bus.Serve)
	if err != nil {
		return nil, err
	}
	a := &actor{
		m:      m,
		job:    j,
		lab:    l,
		buf:    buffers{store: m.kv, locker: m.locker, job: j.ID},
		data:   data,
		logger: m.logger.With("job", j.ID),
		inbox:  make(chan any, inboxSize),
		done:   make(chan struct{}),
		parts:  make(map[string]*part),
		events: j.Events,
	}
	if merged, err := a.buf.merged(ctx); err != nil {
		a.logger.Warn("jobmanager: load merge state", "error", err)
	} else if merged != nil {
		a.merged = merged
		a.events = int64(merged.NEvts())
	}

	m.mu.Lock()
	if prev := m.actors[j.ID]; prev != nil {
		m.mu.Unlock()
		_ = data.Close()
		return prev, nil
	}
	m.actors[j.ID] = a
	runCtx := m.ctx
	m.mu.Unlock()
	if runCtx == nil {
		runCtx = ctx
	}

	m.wg.Add(1)
	go a.run(runCtx)
	return a, nil
}

// post delivers msg unless the actor has finished.
func (a *actor) post(msg any) bool {
	select {
	case a.inbox <- msg:
		return true
	case <-a.done:
		return false
	}
}

// call posts a message carrying a reply channel and waits for the answer.
func (a *actor) call(ctx context.Context, msg any, reply chan error) error {
	if !a.post(msg) {
		return errors.New("job is no longer live")
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) cancel(ctx context.Context) error {
	reply := make(chan error, 1)
	return a.call(ctx, cancelMsg{reply: reply}, reply)
}

func (a *actor) refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	return a.call(ctx, refreshMsg{reply: reply}, reply)
}

func (a *actor) run(ctx context.Context) {
	defer a.m.wg.Done()
	defer a.finish()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			if a.handle(ctx, msg) {
				return
			}
		}
	}
}

func (a *actor) finish() {
	a.m.mu.Lock()
	if a.m.actors[a.job.ID] == a {
		delete(a.m.actors, a.job.ID)
	}
	a.m.mu.Unlock()
	close(a.done)
	_ = a.data.Close()
}

// handle processes one message and reports whether the job is finished.
func (a *actor) handle(ctx context.Context, msg any) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("jobmanager: actor panic", "panic", r)
			finished = false
		}
	}()
	switch msg := msg.(type) {
	case dispatchMsg:
		return a.dispatch(ctx, msg.alloc)
	case frameMsg:
		a.frame(ctx, msg.agent, msg.data)
	case completedMsg:
		return a.completed(ctx, msg.agent, msg.report)
	case leftMsg:
		if p := a.parts[msg.agent]; p != nil {
			p.active = false
		}
		a.send(ctx, EventAgentLost, AgentLost{JID: a.job.ID, Agent: msg.agent})
		return a.settle(ctx)
	case estimateMsg:
		a.estimate(ctx, msg.est)
	case cancelMsg:
		err := a.cancelJob(ctx)
		msg.reply <- err
		return err == nil
	case refreshMsg:
		msg.reply <- a.republish(ctx)
	}
	return false
}

func (a *actor) send(ctx context.Context, event string, payload any) {
	if err := a.data.Send(ctx, event, payload); err != nil {
		a.logger.Warn("jobmanager: data channel send", "event", event, "error", err)
	}
}

// dispatch splits the remaining event budget over the allocated agents and
// sends job_start to each.
func (a *actor) dispatch(ctx context.Context, alloc scheduler.Allocation) bool {
	id := a.job.ID
	var batch []string
	for _, uuid := range alloc.Agents() {
		if ag, ok := a.m.reg.Get(uuid); ok && ag.ActiveJob == id {
			batch = append(batch, uuid)
		}
	}
	if a.cancelled || a.job.Status.Terminal() {
		a.release(ctx, batch)
		return false
	}

	inBatch := make(map[string]bool, len(batch))
	for _, uuid := range batch {
		inBatch[uuid] = true
	}
	var inflight int64
	for uuid, p := range a.parts {
		if p.active && !inBatch[uuid] {
			inflight += max(p.quota-p.events, 0)
		}
	}
	remaining := a.lab.Events - a.events - inflight
	if remaining <= 0 {
		a.release(ctx, batch)
		return a.settle(ctx)
	}
	if int64(len(batch)) > remaining {
		a.release(ctx, batch[remaining:])
		batch = batch[:remaining]
	}
	if len(batch) == 0 {
		return a.settle(ctx)
	}

	quotas := splitBudget(remaining, len(batch))
	if a.job.Status != model.JobRunning {
		if err := a.m.store.UpdateJobStatus(ctx, id, model.JobRunning); err != nil {
			a.logger.Warn("jobmanager: mark running", "error", err)
		} else {
			a.job.Status = model.JobRunning
		}
	}

	sent := make([]*part, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, uuid := range batch {
		g.Go(func() error {
			seq, err := a.m.reg.RecordJobSent(gctx, uuid, quotas[i])
			if err == nil {
				cfg := a.lab.JobConfig(a.job.Parameters, quotas[i], uint16(rand.Uint32()))
				_, err = a.m.request(gctx, uuid, EventJobStart, JobStart{JID: id, Config: cfg})
			}
			if err != nil {
				a.logger.Warn("jobmanager: job_start failed", "agent", uuid, "error", err)
				if _, lerr := a.m.sched.Lost(ctx, uuid); lerr != nil {
					a.logger.Warn("jobmanager: mark agent lost", "agent", uuid, "error", lerr)
				}
				return nil
			}
			sent[i] = &part{seq: seq, quota: quotas[i], active: true}
			return nil
		})
	}
	_ = g.Wait()

	started := 0
	for i, uuid := range batch {
		if sent[i] != nil {
			a.parts[uuid] = sent[i]
			started++
		}
	}
	a.logger.Info("jobmanager: dispatched", "agents", started, "budget", remaining)
	if started == 0 {
		return a.settle(ctx)
	}
	return false
}

// splitBudget divides n events over k agents; the last absorbs the remainder.
func splitBudget(n int64, k int) []int64 {
	out := make([]int64, k)
	per := n / int64(k)
	for i := range out {
		out[i] = per
	}
	out[k-1] += n - per*int64(k)
	return out
}

func (a *actor) release(ctx context.Context, agents []string) {
	for _, uuid := range agents {
		if _, err := a.m.sched.Release(ctx, uuid); err != nil {
			a.logger.Warn("jobmanager: release agent", "agent", uuid, "error", err)
		}
	}
}

// frame folds one partial result into the job.
func (a *actor) frame(ctx context.Context, agent string, d JobData) {
	p := a.parts[agent]
	if a.cancelled || a.job.Status.Terminal() || p == nil || !p.active {
		a.m.count(ctx, a.m.framesDropped)
		return
	}
	col, err := histogram.DecodeIntermediate(d.Data)
	if err != nil {
		a.logger.Warn("jobmanager: undecodable frame", "agent", agent, "error", err)
		a.m.count(ctx, a.m.framesDropped)
		return
	}
	a.conform(col)

	merged, err := a.buf.fold(ctx, partName(agent, p.seq), col)
	if merged == nil {
		a.logger.Warn("jobmanager: merge failed", "agent", agent, "error", err)
		a.m.count(ctx, a.m.framesDropped)
		return
	}
	if err != nil {
		a.logger.Warn("jobmanager: merge left contributors out", "agent", agent, "error", err)
	}
	p.events = int64(col.NEvts())
	a.merged = merged
	a.events = int64(merged.NEvts())
	a.m.count(ctx, a.m.framesMerged)

	if err := a.m.store.SetJobEvents(ctx, a.job.ID, a.events); err != nil {
		a.logger.Warn("jobmanager: record events", "error", err)
	}
	encoded, err := merged.Encode()
	if err != nil {
		a.logger.Warn("jobmanager: encode merged", "error", err)
		return
	}
	a.send(ctx, EventJobData, JobData{JID: a.job.ID, Data: encoded})
}

// conform keeps the lab's histograms, fills the ones missing with empty
// placeholders and rebins to the reference edges. Without a reference, a
// placeholder takes the edges already merged for the job. Histograms that
// cannot be rebinned are removed.
func (a *actor) conform(col *histogram.IntermediateCollection) {
	names := a.lab.HistogramNames()
	if len(names) == 0 {
		return
	}
	col.Trim(names)
	refs := a.m.refs.For(a.lab.ID)
	for _, name := range names {
		m, ok := col.Histograms[name]
		edges, err := reference.Edges(refs, name)
		if err != nil {
			if !ok && a.merged != nil {
				if prev, seen := a.merged.Histograms[name]; seen {
					col.Add(histogram.EmptyIntermediate(name, prev.Edges()))
				}
			}
			continue
		}
		if !ok {
			col.Add(histogram.EmptyIntermediate(name, edges))
			continue
		}
		rebinned, err := m.RebinTo(edges)
		if err != nil {
			a.logger.Warn("jobmanager: rebin", "histogram", name, "error", err)
			delete(col.Histograms, name)
			continue
		}
		col.Add(rebinned)
	}
}

func (a *actor) completed(ctx context.Context, agent string, r AgentCompleted) bool {
	p := a.parts[agent]
	if p == nil || !p.active {
		return false
	}
	p.active = false
	if r.Result != 0 {
		a.logger.Warn("jobmanager: agent failed", "agent", agent, "result", r.Result)
		if err := a.m.reg.RecordJobFailure(ctx, agent, a.job.ID, []byte(r.Postmortem)); err != nil {
			a.logger.Warn("jobmanager: record failure", "agent", agent, "error", err)
		}
		if _, err := a.m.sched.Lost(ctx, agent); err != nil {
			a.logger.Warn("jobmanager: mark agent lost", "agent", agent, "error", err)
		}
	} else {
		if err := a.m.reg.RecordJobSuccess(ctx, agent); err != nil {
			a.logger.Warn("jobmanager: record success", "agent", agent, "error", err)
		}
		a.release(ctx, []string{agent})
	}
	return a.settle(ctx)
}

// settle completes the job once no agent is left and the budget is met, or
// requeues it with high priority. Too many reschedules fail it.
func (a *actor) settle(ctx context.Context) bool {
	id := a.job.ID
	if a.cancelled || a.job.Status.Terminal() {
		return true
	}
	if len(a.m.sched.AgentsOf(id)) > 0 || a.m.sched.Queue().Contains(id) {
		return false
	}
	if a.events >= a.lab.Events {
		a.complete(ctx)
		return true
	}
	n, err := a.m.store.RescheduleJob(ctx, id)
	if err != nil {
		a.logger.Warn("jobmanager: reschedule", "error", err)
		return false
	}
	a.job.Status = model.JobStalled
	if n > a.m.cfg.MaxReschedules {
		a.logger.Warn("jobmanager: too many reschedules", "reschedules", n)
		if err := a.m.store.UpdateJobStatus(ctx, id, model.JobFailed); err != nil {
			a.logger.Warn("jobmanager: mark failed", "error", err)
		}
		a.job.Status = model.JobFailed
		a.send(ctx, EventJobFailed, JobRef{JID: id})
		a.dropBuffers(ctx)
		return true
	}
	a.logger.Info("jobmanager: rescheduled", "reschedules", n, "events", a.events, "budget", a.lab.Events)
	a.requeue(ctx)
	a.m.sched.Wake()
	return false
}

// requeue moves the stalled job back to pending ahead of new submissions.
func (a *actor) requeue(ctx context.Context) {
	if err := a.m.store.UpdateJobStatus(ctx, a.job.ID, model.JobPending); err != nil {
		a.logger.Warn("jobmanager: requeue", "error", err)
	} else {
		a.job.Status = model.JobPending
	}
	a.m.sched.Queue().Enqueue(a.job.ID, a.job.Group, true)
}

// complete scores the merged result, stores it and announces it.
func (a *actor) complete(ctx context.Context) {
	id := a.job.ID
	merged := a.merged
	if merged == nil {
		merged = histogram.NewIntermediateCollection()
	}
	hists := merged.ToHistograms()
	scores, err := reference.Chi2Collection(a.m.refs.For(a.lab.ID), hists, a.m.cfg.Chi2Uncertainty)
	if err != nil {
		a.logger.Warn("jobmanager: score", "error", err)
	}
	payload, err := merged.Encode()
	if err != nil {
		a.logger.Warn("jobmanager: encode result", "error", err)
	}
	results := map[string]any{
		model.ResultSource: "run",
		"compared":         scores.Compared,
	}
	if len(scores.Skipped) > 0 {
		results["skipped"] = scores.Skipped
	}
	if len(scores.Uncovered) > 0 {
		results["uncovered"] = scores.Uncovered
	}
	fit := scores.Mean
	if err := a.m.store.CompleteJob(ctx, id, &fit, scores.PerHisto, results, []byte(payload)); err != nil {
		a.logger.Error("jobmanager: store result", "error", err)
		return
	}
	a.job.Status = model.JobCompleted
	a.logger.Info("jobmanager: completed", "fit", fit, "events", a.events)

	a.send(ctx, EventJobCompleted, Completed{JID: id, Fit: fit, Data: payload})
	a.m.publishNotification(ctx, Notification{JID: id, Fit: fit, Result: results})
	if a.m.notify != nil {
		raw, _ := json.Marshal(map[string]any{"jid": id, "fit": fit})
		if err := a.m.notify.Notify(ctx, storage.ChannelJobCompleted, string(raw)); err != nil {
			a.logger.Warn("jobmanager: notify", "error", err)
		}
	}
	a.pushResult(ctx, hists)
	a.dropBuffers(ctx)
}

// pushResult fits the result and hands it to the interpolation index.
func (a *actor) pushResult(ctx context.Context, hists []*histogram.Histogram) {
	if a.m.interp == nil || len(hists) == 0 {
		return
	}
	ic, err := histogram.FromHistograms(a.job.Parameters, hists, func(name string) (int, bool) {
		if o, ok := a.lab.Observable(name); ok {
			return o.Degree(), o.LogY
		}
		return lab.DefaultFitDegree, false
	})
	if err != nil {
		a.logger.Warn("jobmanager: fit result", "error", err)
		return
	}
	data, err := ic.Encode()
	if err != nil {
		a.logger.Warn("jobmanager: encode fit", "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, a.m.cfg.InterpolateTimeout)
	defer cancel()
	if err := a.m.interp.Push(pctx, data); err != nil {
		a.logger.Warn("jobmanager: push result to interpolation", "error", err)
	}
}

func (a *actor) dropBuffers(ctx context.Context) {
	if err := a.buf.drop(ctx); err != nil {
		a.logger.Warn("jobmanager: drop buffers", "error", err)
	}
}

// estimate stores and relays an interpolated preview while the job runs.
func (a *actor) estimate(ctx context.Context, est interpolation.Estimate) {
	if a.cancelled || a.job.Status.Terminal() {
		return
	}
	msg := Interpolated{JID: a.job.ID, Exact: est.Exact, Data: est.Data}
	raw, err := json.Marshal(msg)
	if err == nil {
		err = a.buf.setInterpolation(ctx, raw)
	}
	if err != nil {
		a.logger.Warn("jobmanager: store estimate", "error", err)
	}
	a.send(ctx, EventInterpolation, msg)
}

// cancelJob stops every agent of the job and marks it cancelled.
func (a *actor) cancelJob(ctx context.Context) error {
	id := a.job.ID
	if err := a.m.store.UpdateJobStatus(ctx, id, model.JobCancelled); err != nil {
		return err
	}
	a.cancelled = true
	a.job.Status = model.JobCancelled
	a.m.sched.Queue().Remove(id)

	var mu sync.Mutex
	var stopped int
	g, gctx := errgroup.WithContext(ctx)
	for _, ag := range a.m.sched.AgentsOf(id) {
		g.Go(func() error {
			if err := a.m.cancelOnAgent(gctx, ag.UUID, id); err != nil {
				a.logger.Warn("jobmanager: cancel on agent", "agent", ag.UUID, "error", err)
				_, _ = a.m.sched.Lost(ctx, ag.UUID)
				return nil
			}
			_ = a.m.reg.RecordJobAborted(ctx, ag.UUID)
			_, _ = a.m.sched.Release(ctx, ag.UUID)
			mu.Lock()
			stopped++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	a.logger.Info("jobmanager: cancelled", "agents", stopped)
	a.send(ctx, EventJobCancel, JobRef{JID: id})
	a.dropBuffers(ctx)
	return nil
}

// republish resends the latest merged result and estimate.
func (a *actor) republish(ctx context.Context) error {
	if a.merged != nil {
		encoded, err := a.merged.Encode()
		if err != nil {
			return err
		}
		a.send(ctx, EventJobData, JobData{JID: a.job.ID, Data: encoded})
	}
	raw, err := a.buf.interpolation(ctx)
	if err != nil {
		return err
	}
	if raw != nil {
		var msg Interpolated
		if err := json.Unmarshal(raw, &msg); err == nil {
			a.send(ctx, EventInterpolation, msg)
		}
	}
	return nil
}
