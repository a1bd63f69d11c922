package jobmanager

import (
	"github.com/vlhc/tunelab/internal/lab"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/tune"
)

// Channel names.
const (
	ChannelJobs          = "jobs"
	ChannelAgents        = "agents"
	ChannelIntercom      = "intercom"
	ChannelNotifications = "notifications"
)

// AgentChannel is the per-agent channel opened after hello.
func AgentChannel(uuid string) string { return "agent-" + uuid }

// Events on the jobs channel.
const (
	EventJobStart   = "job_start"
	EventJobCancel  = "job_cancel"
	EventJobRefresh = "job_refresh"
	EventJobResults = "job_results"
	EventJobStatus  = "job_status"
	EventJobSimilar = "job_similar"
)

// Events on agent, data and broadcast channels.
const (
	EventHello          = "hello"
	EventBye            = "bye"
	EventHandshake      = "handshake"
	EventJobData        = "job_data"
	EventJobCompleted   = "job_completed"
	EventInterpolation  = "job_interpolation"
	EventAgentLost      = "job_agent_lost"
	EventJobFailed      = "job_failed"
	EventAnnounce       = "announce"
	EventNotifyComplete = "job.completed"
)

// Reply results.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultExists    = "exists"
	ResultScheduled = "scheduled"
)

// StartRequest is the job_start payload.
type StartRequest struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Group      string             `json:"group,omitempty"`
	User       string             `json:"user,omitempty"`
	Team       string             `json:"team,omitempty"`
	Paper      string             `json:"paper,omitempty"`
}

// JobRef addresses one job.
type JobRef struct {
	JID int64 `json:"jid"`
}

// SimilarRequest is the job_similar payload.
type SimilarRequest struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Limit      int                `json:"limit,omitempty"`
}

// SimilarJob is one job_similar match.
type SimilarJob struct {
	JID        int64     `json:"jid"`
	Distance   float64   `json:"distance"`
	Fit        *float64  `json:"fit,omitempty"`
	Parameters tune.Tune `json:"parameters"`
}

// Reply answers every jobs channel request.
type Reply struct {
	Result      string             `json:"result"`
	JID         int64              `json:"jid,omitempty"`
	Data        string             `json:"data,omitempty"`
	DataChannel string             `json:"dataChannel,omitempty"`
	Fit         *float64           `json:"fit,omitempty"`
	FitScores   map[string]float64 `json:"fitScores,omitempty"`
	Job         *model.Job         `json:"job,omitempty"`
	Agents      []string           `json:"agents,omitempty"`
	Similar     []SimilarJob       `json:"similar,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func errorReply(msg string) Reply { return Reply{Result: ResultError, Error: msg} }

// Hello opens or closes an agent channel on the lobby.
type Hello struct {
	UUID string `json:"uuid"`
}

// ManagerHandshake is what the manager sends when probing an agent.
type ManagerHandshake struct {
	Version string `json:"version"`
	Manager string `json:"manager"`
}

// JobStart is sent to an agent to start work.
type JobStart struct {
	JID    int64         `json:"jid"`
	Config lab.JobConfig `json:"config"`
}

// JobData carries a partial result, from an agent or relayed to viewers.
type JobData struct {
	JID  int64  `json:"jid"`
	Data string `json:"data"`
}

// AgentCompleted is an agent's job_completed report. A non-zero Result is a
// failure.
type AgentCompleted struct {
	JID        int64  `json:"jid"`
	Result     int    `json:"result"`
	Postmortem string `json:"postmortem,omitempty"`
}

// Completed is published on the data channel when a job finishes.
type Completed struct {
	JID  int64   `json:"jid"`
	Fit  float64 `json:"fit"`
	Data string  `json:"data"`
}

// Interpolated is a pre-computed estimate relayed on the data channel.
type Interpolated struct {
	JID   int64  `json:"jid"`
	Exact bool   `json:"exact"`
	Data  string `json:"data"`
}

// AgentLost tells viewers an agent stopped contributing to the job.
type AgentLost struct {
	JID   int64  `json:"jid"`
	Agent string `json:"agent"`
}

// Notification is broadcast on the notifications channel.
type Notification struct {
	JID    int64          `json:"jid"`
	Fit    float64        `json:"fit"`
	Result map[string]any `json:"result,omitempty"`
}

// Announce is exchanged on the intercom channel at startup.
type Announce struct {
	Manager string `json:"manager"`
}
