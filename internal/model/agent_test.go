package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/model"
)

func TestAgentEligible(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-time.Hour)

	tests := []struct {
		name  string
		agent model.Agent
		want  bool
	}{
		{"idle and unbound", model.Agent{State: model.AgentIdle}, true},
		{"busy", model.Agent{State: model.AgentBusy}, false},
		{"offline", model.Agent{State: model.AgentOffline}, false},
		{"bound to a job", model.Agent{State: model.AgentIdle, ActiveJob: 4}, false},
		{"under fail limit", model.Agent{State: model.AgentIdle, FailCount: 2, FailAt: &recent}, true},
		{"cooling down", model.Agent{State: model.AgentIdle, FailCount: 3, FailAt: &recent}, false},
		{"cooldown elapsed", model.Agent{State: model.AgentIdle, FailCount: 5, FailAt: &old}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.agent.Eligible(now, 3, 10*time.Minute))
		})
	}
}

func TestAgentCloneIsDeep(t *testing.T) {
	at := time.Now()
	lat := 46.2
	a := &model.Agent{UUID: "a", FailAt: &at, Latitude: &lat}
	c := a.Clone()
	*c.Latitude = 0
	c.FailAt = nil
	assert.InDelta(t, 46.2, *a.Latitude, 0)
	require.NotNil(t, a.FailAt)
}

func TestTransition(t *testing.T) {
	allowed := [][2]model.JobStatus{
		{model.JobPending, model.JobRunning},
		{model.JobPending, model.JobCancelled},
		{model.JobRunning, model.JobStalled},
		{model.JobRunning, model.JobCompleted},
		{model.JobStalled, model.JobPending},
		{model.JobStalled, model.JobCompleted},
		{model.JobStalled, model.JobFailed},
		{model.JobRunning, model.JobRunning},
	}
	for _, tr := range allowed {
		assert.NoError(t, model.Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]model.JobStatus{
		{model.JobCompleted, model.JobRunning},
		{model.JobCancelled, model.JobPending},
		{model.JobCancelled, model.JobCancelled},
		{model.JobCloned, model.JobCompleted},
		{model.JobStalled, model.JobRunning},
		{model.JobPending, "bogus"},
	}
	for _, tr := range rejected {
		assert.ErrorIs(t, model.Transition(tr[0], tr[1]), model.ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}

func TestJobStatusClasses(t *testing.T) {
	assert.True(t, model.JobCloned.Terminal())
	assert.False(t, model.JobStalled.Terminal())
	assert.True(t, model.JobStalled.Live())
	assert.False(t, model.JobCompleted.Live())
}

func TestSourceJob(t *testing.T) {
	j := &model.Job{Results: map[string]any{model.ResultSourceJob: float64(17)}}
	id, ok := j.SourceJob()
	assert.True(t, ok)
	assert.Equal(t, int64(17), id)

	_, ok = (&model.Job{}).SourceJob()
	assert.False(t, ok)
	assert.Equal(t, "job-17", model.DataChannel(17))
}
