package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/storage/memstore"
	"github.com/vlhc/tunelab/internal/testutil"
)

func newRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return New(store, Config{FailLimit: 2, FailDelay: 10 * time.Minute}, testutil.TestLogger()), store
}

// flakyStore fails UpsertAgent while down is set.
type flakyStore struct {
	*memstore.Store
	down bool
}

func (f *flakyStore) UpsertAgent(ctx context.Context, a *model.Agent) error {
	if f.down {
		return errors.New("store unavailable")
	}
	return f.Store.UpsertAgent(ctx, a)
}

func TestFailedPersistLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New()}
	r := New(store, Config{FailLimit: 2, FailDelay: 10 * time.Minute}, testutil.TestLogger())
	_, _, err := r.Handshake(ctx, "a1", model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
	require.NoError(t, err)

	store.down = true
	assert.Error(t, r.Bind(ctx, "a1", 4))
	assert.Error(t, r.RecordJobFailure(ctx, "a1", 4, nil))
	_, _, err = r.Handshake(ctx, "a2", model.Handshake{Slots: 1, FreeSlots: 1, Group: "h"})
	assert.Error(t, err)

	a, ok := r.Get("a1")
	require.True(t, ok)
	assert.Zero(t, a.ActiveJob)
	assert.Equal(t, model.AgentIdle, a.State)
	assert.Zero(t, a.FailCount)
	assert.Empty(t, r.JobAgents(4))
	_, ok = r.Get("a2")
	assert.False(t, ok)
	assert.Equal(t, []string{"g"}, r.Groups())

	store.down = false
	require.NoError(t, r.Bind(ctx, "a1", 4))
	persisted, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), persisted.ActiveJob)
}

func TestHandshakeLiftsAgentAndInvalidatesGroups(t *testing.T) {
	ctx := context.Background()
	r, store := newRegistry(t)

	_, err := r.GetOrCreate(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, r.Groups())

	a, stale, err := r.Handshake(ctx, "a1", model.Handshake{Version: "3", Slots: 2, FreeSlots: 2, Group: "cern"})
	require.NoError(t, err)
	assert.Zero(t, stale)
	assert.Equal(t, model.AgentIdle, a.State)
	assert.Equal(t, 2, a.Slots)
	assert.Equal(t, []string{"cern"}, r.Groups())

	_, _, err = r.Handshake(ctx, "a2", model.Handshake{Slots: 1, FreeSlots: 1, Group: "desy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cern", "desy"}, r.Groups())

	persisted, err := store.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "desy", persisted.Group)
}

func TestHandshakeClearsStaleBinding(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	_, _, err := r.Handshake(ctx, "a1", model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
	require.NoError(t, err)
	require.NoError(t, r.Bind(ctx, "a1", 7))

	a, stale, err := r.Handshake(ctx, "a1", model.Handshake{Slots: 1, FreeSlots: 0, Group: "g"})
	require.NoError(t, err)
	assert.Zero(t, stale)
	assert.Equal(t, model.AgentBusy, a.State)

	a, stale, err = r.Handshake(ctx, "a1", model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stale)
	assert.Zero(t, a.ActiveJob)
	assert.Equal(t, model.AgentIdle, a.State)
}

func TestFailureCooldown(t *testing.T) {
	ctx := context.Background()
	r, store := newRegistry(t)
	now := time.Now()
	r.now = func() time.Time { return now }
	_, _, err := r.Handshake(ctx, "a1", model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
	require.NoError(t, err)

	require.NoError(t, r.RecordJobFailure(ctx, "a1", 3, []byte("trace")))
	require.NoError(t, r.RecordJobFailure(ctx, "a1", 4, nil))
	a, _ := r.Get("a1")
	assert.False(t, r.Eligible(a), "fail limit reached")
	assert.ErrorIs(t, r.Bind(ctx, "a1", 5), ErrNotEligible)

	require.NoError(t, r.RecordJobAborted(ctx, "a1"))
	a, _ = r.Get("a1")
	assert.Equal(t, 2, a.FailCount, "aborts do not reset failures")

	now = now.Add(11 * time.Minute)
	assert.True(t, r.Eligible(a), "cooldown elapsed")

	require.NoError(t, r.RecordJobSuccess(ctx, "a1"))
	a, _ = r.Get("a1")
	assert.Zero(t, a.FailCount)
	assert.Nil(t, a.FailAt)

	failures, err := store.ListAgentFailures(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, int64(4), failures[0].JobID)
	assert.Equal(t, []byte("trace"), failures[1].Postmortem)
}

func TestBindUnbindLost(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	for _, id := range []string{"b", "a", "c"} {
		_, _, err := r.Handshake(ctx, id, model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
		require.NoError(t, err)
	}
	require.NoError(t, r.Bind(ctx, "a", 1))
	require.NoError(t, r.Bind(ctx, "b", 1))
	assert.ErrorIs(t, r.Bind(ctx, "a", 2), ErrNotEligible)

	seq, err := r.RecordJobSent(ctx, "a", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	agents := r.JobAgents(1)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].UUID)
	assert.Equal(t, int64(5000), agents[0].ActiveQuota)

	require.NoError(t, r.Rebind(ctx, "b", 1, 2))
	assert.Error(t, r.Rebind(ctx, "b", 1, 3))

	job, err := r.Lost(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), job)
	a, _ := r.Get("a")
	assert.Equal(t, model.AgentOffline, a.State)

	job, err = r.Unbind(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), job)
	b, _ := r.Get("b")
	assert.Equal(t, model.AgentIdle, b.State)
	assert.Empty(t, r.JobAgents(1))
}

func TestUpdateAllPresenceExcludes(t *testing.T) {
	ctx := context.Background()
	r, store := newRegistry(t)
	for _, id := range []string{"a", "b"} {
		_, _, err := r.Handshake(ctx, id, model.Handshake{Slots: 1, FreeSlots: 1, Group: "g"})
		require.NoError(t, err)
	}
	require.NoError(t, r.Bind(ctx, "b", 9))
	require.NoError(t, r.UpdateAllPresence(ctx, model.AgentOffline, "a"))

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, model.AgentIdle, a.State)
	assert.Equal(t, model.AgentOffline, b.State)
	assert.Zero(t, b.ActiveJob)

	reloaded := New(store, Config{FailLimit: 2}, testutil.TestLogger())
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.List(), 2)
	assert.Len(t, reloaded.GetGroup("g"), 2)
}
