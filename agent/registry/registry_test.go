package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	r := New(Config{LivenessWindow: 10 * time.Second}, zap.NewNop())
	r.SetClock(clock.Now)
	return r, clock
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t)

	info, err := r.Register(ctx, AgentInfo{ID: "a1", Type: "ocr", Capabilities: []string{"ocr", "pdf"}, Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, info.Status)
	assert.Equal(t, clock.Now(), info.LastHeartbeat)

	got, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr", "pdf"}, got.Capabilities)
	assert.Equal(t, 3, got.Priority)

	_, err = r.Register(ctx, AgentInfo{ID: "a1"})
	assert.ErrorIs(t, err, ErrAgentExists)

	generated, err := r.Register(ctx, AgentInfo{Type: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	_, err = r.Register(ctx, AgentInfo{ID: "bad", Status: "sleepy"})
	assert.Error(t, err)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_CopiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	caps := []string{"ocr"}
	_, err := r.Register(ctx, AgentInfo{ID: "a1", Capabilities: caps})
	require.NoError(t, err)
	caps[0] = "mutated"

	got, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	got.Capabilities[0] = "also-mutated"

	again, _ := r.Get(ctx, "a1")
	assert.Equal(t, []string{"ocr"}, again.Capabilities)
}

func TestRegistry_FindByCapability(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRegistry(t)

	for _, a := range []AgentInfo{
		{ID: "b-ocr", Capabilities: []string{"ocr"}},
		{ID: "a-ocr", Capabilities: []string{"ocr", "translate"}},
		{ID: "busy-ocr", Capabilities: []string{"ocr"}},
		{ID: "plain", Capabilities: []string{"summarize"}},
	} {
		_, err := r.Register(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, r.UpdateStatus(ctx, "busy-ocr", StatusBusy))

	found := r.FindByCapability(ctx, "ocr")
	require.Len(t, found, 2)
	assert.Equal(t, "a-ocr", found[0].ID)
	assert.Equal(t, "b-ocr", found[1].ID)

	t.Run("stale agents excluded", func(t *testing.T) {
		clock.Advance(8 * time.Second)
		require.NoError(t, r.RecordHeartbeat(ctx, "b-ocr"))
		clock.Advance(5 * time.Second)

		found := r.FindByCapability(ctx, "ocr")
		require.Len(t, found, 1)
		assert.Equal(t, "b-ocr", found[0].ID)

		stale, err := r.Get(ctx, "a-ocr")
		require.NoError(t, err)
		assert.Equal(t, StatusUnavailable, stale.Status, "stale agent reported unavailable")
		assert.False(t, r.IsLive(stale))

		assert.Equal(t, []string{"a-ocr", "busy-ocr", "plain"}, r.Stale(ctx, 10*time.Second))
	})

	t.Run("heartbeat restores", func(t *testing.T) {
		require.NoError(t, r.RecordHeartbeat(ctx, "a-ocr"))
		assert.Len(t, r.FindByCapability(ctx, "ocr"), 2)
	})
}

func TestRegistry_FindByType(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	_, _ = r.Register(ctx, AgentInfo{ID: "w1", Type: "worker"})
	_, _ = r.Register(ctx, AgentInfo{ID: "w2", Type: "worker", Status: StatusError})
	_, _ = r.Register(ctx, AgentInfo{ID: "s1", Type: "scraper"})

	workers := r.FindByType(ctx, "worker")
	require.Len(t, workers, 2)
	assert.Equal(t, StatusError, workers[1].Status)
	assert.Len(t, r.List(ctx), 3)
}

func TestRegistry_TaskCountAndUnregister(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	_, _ = r.Register(ctx, AgentInfo{ID: "a1"})

	n, err := r.AdjustTaskCount(ctx, "a1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, _ = r.AdjustTaskCount(ctx, "a1", -5)
	assert.Equal(t, 0, n)

	require.NoError(t, r.Unregister(ctx, "a1"))
	assert.False(t, r.Exists("a1"))
	assert.ErrorIs(t, r.Unregister(ctx, "a1"), ErrAgentNotFound)
	assert.ErrorIs(t, r.RecordHeartbeat(ctx, "a1"), ErrAgentNotFound)
	assert.ErrorIs(t, r.UpdateStatus(ctx, "a1", StatusBusy), ErrAgentNotFound)
}

func TestRegistry_Watch(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	var events []Event
	cancel := r.Watch(func(ev Event) { events = append(events, ev) })

	_, _ = r.Register(ctx, AgentInfo{ID: "a1"})
	_ = r.UpdateStatus(ctx, "a1", StatusBusy)
	_ = r.UpdateStatus(ctx, "a1", StatusBusy) // no change, no event
	_ = r.Unregister(ctx, "a1")
	cancel()
	_, _ = r.Register(ctx, AgentInfo{ID: "a2"})

	require.Len(t, events, 3)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, EventStatus, events[1].Type)
	assert.Equal(t, StatusBusy, events[1].Agent.Status)
	assert.Equal(t, EventUnregistered, events[2].Type)
}
