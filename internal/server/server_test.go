package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/ratelimit"
	"github.com/vlhc/tunelab/internal/scheduler"
)

type fakeMonitor struct {
	ready    chan struct{}
	overview jobmanager.Overview
	jobs     map[int64]*model.Job
	agents   []*model.Agent
	jobErr   error
}

func newFakeMonitor() *fakeMonitor {
	ready := make(chan struct{})
	close(ready)
	return &fakeMonitor{
		ready: ready,
		overview: jobmanager.Overview{
			Version:  "test",
			Sole:     true,
			LiveJobs: 2,
			Queue:    []scheduler.Entry{{Job: 7, Group: "atlas", High: true}},
			Groups:   map[string]scheduler.Usage{"atlas": {Total: 4, Free: 1, Busy: 3, Distinct: 2}},
		},
		jobs: map[int64]*model.Job{
			3: {ID: 3, LabID: "lep", Group: "atlas", Status: model.JobRunning, Events: 1200},
		},
		agents: []*model.Agent{
			{UUID: "a1", Group: "atlas", State: model.AgentBusy, ActiveJob: 3},
			{UUID: "b1", Group: "cms", State: model.AgentIdle},
		},
	}
}

func (f *fakeMonitor) Ready() <-chan struct{}        { return f.ready }
func (f *fakeMonitor) Overview() jobmanager.Overview { return f.overview }
func (f *fakeMonitor) Agents() []*model.Agent        { return f.agents }
func (f *fakeMonitor) Job(_ context.Context, id int64) (*model.Job, error) {
	if f.jobErr != nil {
		return nil, f.jobErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobmanager.ErrJobNotFound
	}
	return j, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(mon Monitor, limiter ratelimit.Limiter) http.Handler {
	return New(Config{Monitor: mon, Logger: testLogger(), Limiter: limiter, Version: "test"}).Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
		Meta responseMeta    `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Meta.RequestID)
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var env errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestHealth(t *testing.T) {
	h := newTestServer(newFakeMonitor(), nil)
	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Health
	decodeData(t, rec, &body)
	assert.Equal(t, Health{Status: "ok", Version: "test", Sole: true}, body)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthBeforeNegotiation(t *testing.T) {
	mon := newFakeMonitor()
	mon.ready = make(chan struct{})
	rec := get(t, newTestServer(mon, nil), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	rec := get(t, newTestServer(newFakeMonitor(), nil), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Status
	decodeData(t, rec, &body)
	assert.Equal(t, 1, body.QueueDepth)
	assert.Equal(t, 2, body.LiveJobs)
	assert.Equal(t, scheduler.Usage{Total: 4, Free: 1, Busy: 3, Distinct: 2}, body.Groups["atlas"])
	assert.Equal(t, int64(7), body.Queue[0].Job)
}

func TestJob(t *testing.T) {
	h := newTestServer(newFakeMonitor(), nil)

	t.Run("found", func(t *testing.T) {
		rec := get(t, h, "/v1/jobs/3")
		require.Equal(t, http.StatusOK, rec.Code)
		var j model.Job
		decodeData(t, rec, &j)
		assert.Equal(t, int64(3), j.ID)
		assert.Equal(t, model.JobRunning, j.Status)
	})
	t.Run("missing", func(t *testing.T) {
		rec := get(t, h, "/v1/jobs/99")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, codeNotFound, decodeError(t, rec).Code)
	})
	t.Run("bad id", func(t *testing.T) {
		rec := get(t, h, "/v1/jobs/abc")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, codeInvalidInput, decodeError(t, rec).Code)
	})
}

func TestJobStoreFailure(t *testing.T) {
	mon := newFakeMonitor()
	mon.jobErr = errors.New("connection refused")
	rec := get(t, newTestServer(mon, nil), "/v1/jobs/3")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, codeInternal, decodeError(t, rec).Code)
}

func TestAgentsFilterByGroup(t *testing.T) {
	h := newTestServer(newFakeMonitor(), nil)

	var all []model.Agent
	decodeData(t, get(t, h, "/v1/agents"), &all)
	assert.Len(t, all, 2)

	var cms []model.Agent
	decodeData(t, get(t, h, "/v1/agents?group=cms"), &cms)
	require.Len(t, cms, 1)
	assert.Equal(t, "b1", cms[0].UUID)
}

func TestStatusRateLimited(t *testing.T) {
	l := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = l.Close() }()
	h := newTestServer(newFakeMonitor(), l)

	assert.Equal(t, http.StatusOK, get(t, h, "/v1/status").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/v1/status").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestUnknownRoute(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(newFakeMonitor(), nil), "/v1/nope").Code)
}
