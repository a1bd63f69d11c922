package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vlhc/tunelab/internal/bus"
	"github.com/vlhc/tunelab/internal/model"
)

var errNoChannel = errors.New("jobmanager: agent has no open channel")

// agentConn is the manager side of one agent channel.
type agentConn struct {
	uuid string
	ch   *bus.Channel
}

// serveLobby opens and closes agent channels. An agent connects to its own
// channel before sending hello, so the first handshake reaches it.
func (m *Manager) serveLobby(ctx context.Context, lobby *bus.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-lobby.Inbound():
			if !ok {
				return nil
			}
			m.handleLobby(ctx, in)
		}
	}
}

func (m *Manager) handleLobby(ctx context.Context, in *bus.Inbound) {
	defer m.guard(in.Event)

	var h Hello
	err := in.Decode(&h)
	if err == nil && h.UUID == "" {
		err = errors.New("missing uuid")
	}
	reply := Reply{Result: ResultOK}
	if err == nil {
		switch in.Event {
		case EventHello:
			err = m.openAgent(ctx, h.UUID)
		case EventBye:
			m.closeAgent(ctx, h.UUID)
		default:
			err = fmt.Errorf("unknown event %q", in.Event)
		}
	}
	if err != nil {
		m.logger.Warn("jobmanager: lobby", "event", in.Event, "error", err)
		reply = errorReply(err.Error())
	}
	if in.ID != "" {
		if err := in.Reply(ctx, reply); err != nil {
			m.logger.Warn("jobmanager: lobby reply failed", "error", err)
		}
	}
}

// openAgent opens the agent's channel, marks it idle and starts its reader.
// A previous channel of the same agent is replaced.
func (m *Manager) openAgent(ctx context.Context, uuid string) error {
	m.mu.Lock()
	old := m.conns[uuid]
	delete(m.conns, uuid)
	m.mu.Unlock()
	if old != nil {
		_ = old.ch.Close()
	}

	ch, err := m.bus.Open(ctx, AgentChannel(uuid), bus.Serve)
	if err != nil {
		return err
	}
	if _, err := m.reg.GetOrCreate(ctx, uuid); err != nil {
		_ = ch.Close()
		return err
	}
	if err := m.reg.UpdatePresence(ctx, uuid, model.AgentIdle); err != nil {
		_ = ch.Close()
		return err
	}

	c := &agentConn{uuid: uuid, ch: ch}
	m.mu.Lock()
	m.conns[uuid] = c
	m.mu.Unlock()
	m.logger.Info("jobmanager: agent connected", "agent", uuid)

	m.wg.Add(1)
	go m.runAgent(ctx, c)
	return nil
}

// closeAgent handles bye: the channel closes and the agent is lost.
func (m *Manager) closeAgent(ctx context.Context, uuid string) {
	m.mu.Lock()
	c := m.conns[uuid]
	delete(m.conns, uuid)
	m.mu.Unlock()
	if c != nil {
		_ = c.ch.Close()
	}
	m.agentLost(ctx, uuid)
}

// removeConn forgets c if it is still the agent's current channel.
func (m *Manager) removeConn(c *agentConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.uuid] != c {
		return false
	}
	delete(m.conns, c.uuid)
	return true
}

func (m *Manager) runAgent(ctx context.Context, c *agentConn) {
	defer m.wg.Done()
	m.probe(ctx, c)
	for in := range c.ch.Inbound() {
		m.handleAgent(ctx, c, in)
	}
	if m.removeConn(c) && ctx.Err() == nil {
		m.logger.Info("jobmanager: agent channel closed", "agent", c.uuid)
		m.agentLost(ctx, c.uuid)
	}
}

// probe sends the manager handshake and applies the agent's answer. No answer
// in time marks the agent lost.
func (m *Manager) probe(ctx context.Context, c *agentConn) {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
	defer cancel()
	reply, err := c.ch.Request(rctx, EventHandshake, ManagerHandshake{Version: m.cfg.Version, Manager: m.bus.ID()})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("jobmanager: handshake probe failed", "agent", c.uuid, "error", err)
			m.agentLost(ctx, c.uuid)
		}
		return
	}
	var hs model.Handshake
	if err := reply.Decode(&hs); err != nil {
		m.logger.Warn("jobmanager: bad handshake", "agent", c.uuid, "error", err)
		return
	}
	m.handshake(ctx, c.uuid, hs)
}

func (m *Manager) handshake(ctx context.Context, uuid string, hs model.Handshake) {
	a, stale, err := m.reg.Handshake(ctx, uuid, hs)
	if err != nil {
		m.logger.Warn("jobmanager: handshake", "agent", uuid, "error", err)
		return
	}
	if stale != 0 {
		m.logger.Info("jobmanager: cleared stale binding", "agent", uuid, "job", stale)
		m.agentLeft(stale, uuid)
	}
	m.logger.Debug("jobmanager: handshake", "agent", uuid, "group", a.Group, "state", a.State)
	m.sched.Wake()
}

func (m *Manager) handleAgent(ctx context.Context, c *agentConn, in *bus.Inbound) {
	defer m.guard(in.Event)

	switch in.Event {
	case EventHandshake:
		var hs model.Handshake
		if err := in.Decode(&hs); err != nil {
			m.logger.Warn("jobmanager: bad handshake", "agent", c.uuid, "error", err)
			return
		}
		m.handshake(ctx, c.uuid, hs)
		if in.ID != "" {
			_ = in.Reply(ctx, ManagerHandshake{Version: m.cfg.Version, Manager: m.bus.ID()})
		}
	case EventJobData:
		var d JobData
		if err := in.Decode(&d); err != nil {
			m.logger.Warn("jobmanager: bad job_data", "agent", c.uuid, "error", err)
			return
		}
		m.route(ctx, c.uuid, d.JID, frameMsg{agent: c.uuid, data: d})
	case EventJobCompleted:
		var r AgentCompleted
		if err := in.Decode(&r); err != nil {
			m.logger.Warn("jobmanager: bad job_completed", "agent", c.uuid, "error", err)
			return
		}
		m.route(ctx, c.uuid, r.JID, completedMsg{agent: c.uuid, report: r})
	default:
		m.logger.Warn("jobmanager: unknown agent event", "agent", c.uuid, "event", in.Event)
	}
}

// route hands an agent frame to the job's actor. Frames from agents not bound
// to the job are dropped.
func (m *Manager) route(ctx context.Context, agent string, jid int64, msg any) {
	a, ok := m.reg.Get(agent)
	act := m.actor(jid)
	if !ok || a.ActiveJob != jid || act == nil {
		m.count(ctx, m.framesDropped)
		m.logger.Debug("jobmanager: dropped frame", "agent", agent, "job", jid)
		return
	}
	_ = m.reg.Touch(ctx, agent)
	act.post(msg)
}

// agentLost marks an agent offline and tells the job it held.
func (m *Manager) agentLost(ctx context.Context, uuid string) {
	job, err := m.sched.Lost(ctx, uuid)
	if err != nil {
		m.logger.Warn("jobmanager: mark agent lost", "agent", uuid, "error", err)
		return
	}
	m.logger.Info("jobmanager: agent lost", "agent", uuid, "job", job)
	if job != 0 {
		m.agentLeft(job, uuid)
	}
}

func (m *Manager) agentLeft(job int64, uuid string) {
	if act := m.actor(job); act != nil {
		act.post(leftMsg{agent: uuid})
	}
}

// request sends an RPC to an agent bounded by the RPC timeout.
func (m *Manager) request(ctx context.Context, uuid, event string, payload any) (*bus.Message, error) {
	m.mu.Lock()
	c := m.conns[uuid]
	m.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", errNoChannel, uuid)
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
	defer cancel()
	return c.ch.Request(rctx, event, payload)
}

func (m *Manager) cancelOnAgent(ctx context.Context, uuid string, job int64) error {
	_, err := m.request(ctx, uuid, EventJobCancel, JobRef{JID: job})
	return err
}

// keepaliveLoop probes every open agent channel.
func (m *Manager) keepaliveLoop(ctx context.Context) error {
	t := time.NewTicker(m.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		m.mu.Lock()
		conns := make([]*agentConn, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()
		for _, c := range conns {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.probe(ctx, c)
			}()
		}
	}
}
