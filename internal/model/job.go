package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/vlhc/tunelab/internal/tune"
)

// ErrInvalidTransition is returned for a job status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("model: invalid job transition")

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobStalled   JobStatus = "stalled"
	// JobCloned marks a job answered from a stored result of another job.
	JobCloned JobStatus = "cloned"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobCloned:
		return true
	}
	return false
}

// Live reports whether agents may be bound to a job in this state.
func (s JobStatus) Live() bool {
	return s == JobPending || s == JobRunning || s == JobStalled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.Live() || s.Terminal()
}

var transitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobStalled, JobCancelled, JobFailed, JobCompleted},
	JobRunning: {JobStalled, JobCompleted, JobCancelled, JobFailed},
	JobStalled: {JobPending, JobCompleted, JobCancelled, JobFailed},
}

// Transition checks a status change. Setting the current status again is
// allowed for live jobs.
func Transition(from, to JobStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to && from.Live() {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Job is one tune submission.
type Job struct {
	ID     int64     `json:"id"`
	LabID  string    `json:"lab"`
	Group  string    `json:"group"`
	Owner  string    `json:"user,omitempty"`
	Team   string    `json:"team,omitempty"`
	Paper  string    `json:"paper,omitempty"`
	Status JobStatus `json:"status"`

	Parameters tune.Tune `json:"parameters"`
	// Events is the merged event count delivered so far.
	Events       int64 `json:"events"`
	Acknowledged bool  `json:"acknowledged"`

	Fit       *float64           `json:"fit,omitempty"`
	FitScores map[string]float64 `json:"fitScores,omitempty"`
	// Results carries result metadata, e.g. ResultSourceJob for clones.
	Results map[string]any `json:"results,omitempty"`

	Reschedules int  `json:"reschedules"`
	Priority    bool `json:"priority"`

	SubmittedAt time.Time  `json:"submittedAt"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Result metadata keys.
const (
	ResultSourceJob = "source_job"
	ResultSource    = "source"
)

// SourceJob returns the job whose stored result a clone points to.
func (j *Job) SourceJob() (int64, bool) {
	v, ok := j.Results[ResultSourceJob]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// DataChannel is the bus channel a job's progress is relayed on.
func DataChannel(id int64) string { return fmt.Sprintf("job-%d", id) }
