// Package model defines the agent and job records shared by the registry, the
// scheduler, the job manager and storage.
package model

import (
	"fmt"
	"time"
)

// AgentState is the liveness of a worker agent.
type AgentState string

const (
	AgentOffline AgentState = "offline"
	AgentIdle    AgentState = "idle"
	AgentBusy    AgentState = "busy"
)

// Valid reports whether s is a known state.
func (s AgentState) Valid() bool {
	switch s {
	case AgentOffline, AgentIdle, AgentBusy:
		return true
	}
	return false
}

// Agent is a volunteer worker. The registry owns every Agent value; other
// components read copies.
type Agent struct {
	UUID     string     `json:"uuid"`
	Group    string     `json:"group"`
	Slots    int        `json:"slots"`
	State    AgentState `json:"state"`
	Features string     `json:"features,omitempty"`
	Version  string     `json:"version,omitempty"`
	IP       string     `json:"ip,omitempty"`

	ActiveJob   int64 `json:"activeJob"`
	ActiveQuota int64 `json:"activeQuota"`
	// ActiveSeq increases with every job_start sent to the agent so partial
	// results of an earlier dispatch are kept apart from the current one.
	ActiveSeq int64 `json:"activeSeq"`

	FailCount int        `json:"failCount"`
	FailAt    *time.Time `json:"failAt,omitempty"`

	JobsSent      int64 `json:"jobsSent"`
	JobsSucceeded int64 `json:"jobsSucceeded"`
	JobsFailed    int64 `json:"jobsFailed"`
	JobsAborted   int64 `json:"jobsAborted"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	LastActivity time.Time `json:"lastActivity"`
}

// Online reports whether the agent holds an open channel.
func (a *Agent) Online() bool { return a.State == AgentIdle || a.State == AgentBusy }

// Eligible reports whether the agent may receive new work at now.
func (a *Agent) Eligible(now time.Time, failLimit int, failDelay time.Duration) bool {
	if a.State != AgentIdle || a.ActiveJob != 0 {
		return false
	}
	if a.FailCount < failLimit {
		return true
	}
	return a.FailAt == nil || now.Sub(*a.FailAt) >= failDelay
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.FailAt != nil {
		t := *a.FailAt
		c.FailAt = &t
	}
	if a.Latitude != nil {
		v := *a.Latitude
		c.Latitude = &v
	}
	if a.Longitude != nil {
		v := *a.Longitude
		c.Longitude = &v
	}
	return &c
}

func (a *Agent) String() string {
	return fmt.Sprintf("agent %s (%s, %s)", a.UUID, a.Group, a.State)
}

// AgentFailure is a recorded job failure with the agent's postmortem.
type AgentFailure struct {
	AgentUUID  string    `json:"agentUuid"`
	JobID      int64     `json:"jobId"`
	Postmortem []byte    `json:"postmortem,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

// Handshake carries the attributes an agent announces about itself.
type Handshake struct {
	Version   string   `json:"version"`
	Slots     int      `json:"slots"`
	FreeSlots int      `json:"free_slots"`
	Group     string   `json:"group"`
	IP        string   `json:"ip,omitempty"`
	Features  string   `json:"features,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}
