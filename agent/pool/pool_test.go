package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/task"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	reg     *registry.Registry
	queue   *task.Queue
	bus     *bus.Bus
	pool    *Pool
	metrics *Metrics
	clock   *testClock
}

func newFixture(t *testing.T, cfg Config, agents ...registry.AgentInfo) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	reg.SetClock(clock.Now)
	for _, a := range agents {
		_, err := reg.Register(ctx, a)
		require.NoError(t, err)
	}

	q := task.NewQueue(nil, nil, zap.NewNop())
	q.SetClock(clock.Now)

	b := bus.New(bus.NewMemoryTransport(0), reg, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	m := NewMetrics(prometheus.NewRegistry())
	p, err := New(cfg, reg, q, b, zap.NewNop(), WithMetrics(m), WithClock(clock.Now))
	require.NoError(t, err)
	for _, a := range agents {
		require.NoError(t, p.Add(ctx, a.ID))
	}
	return &fixture{reg: reg, queue: q, bus: b, pool: p, metrics: m, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, tk task.Task) task.Task {
	t.Helper()
	out, err := f.queue.Enqueue(context.Background(), tk)
	require.NoError(t, err)
	return out
}

func (f *fixture) get(t *testing.T, id string) task.Task {
	t.Helper()
	out, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return out
}

// fakeAgent answers every assignment with a successful result.
type fakeAgent struct {
	id string

	mu       sync.Mutex
	assigned []string
	cancels  []string
}

func startFakeAgent(t *testing.T, b *bus.Bus, id string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{id: id}
	unsubscribe, err := b.Subscribe(id, func(ctx context.Context, msg bus.Message) {
		switch msg.Type {
		case bus.TypeTaskAssign:
			var p AssignPayload
			if err := msg.Decode(&p); err != nil {
				return
			}
			a.mu.Lock()
			a.assigned = append(a.assigned, p.Task.ID)
			a.mu.Unlock()

			reply, err := bus.NewMessage(id, DefaultMailbox, bus.TypeTaskResult, ResultPayload{
				TaskID:  p.Task.ID,
				AgentID: id,
				Result:  json.RawMessage(`"done"`),
			})
			if err == nil {
				_, _ = b.Send(ctx, reply)
			}
		case bus.TypeTaskCancel:
			var c CancelPayload
			if err := msg.Decode(&c); err == nil {
				a.mu.Lock()
				a.cancels = append(a.cancels, c.TaskID)
				a.mu.Unlock()
			}
		}
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return a
}

func (a *fakeAgent) tasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.assigned...)
}

func (a *fakeAgent) cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

func report(t *testing.T, from, msgType string, payload any) bus.Message {
	t.Helper()
	msg, err := bus.NewMessage(from, DefaultMailbox, msgType, payload)
	require.NoError(t, err)
	return msg
}

func TestPool_CapabilityDispatchEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchInterval = 10 * time.Millisecond
	f := newFixture(t, cfg,
		registry.AgentInfo{ID: "ocr-1", Capabilities: []string{"ocr"}},
		registry.AgentInfo{ID: "ocr-2", Capabilities: []string{"ocr", "pdf"}},
		registry.AgentInfo{ID: "writer", Capabilities: []string{"text"}},
	)
	ocr1 := startFakeAgent(t, f.bus, "ocr-1")
	ocr2 := startFakeAgent(t, f.bus, "ocr-2")
	writer := startFakeAgent(t, f.bus, "writer")

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.enqueue(t, task.Task{
			ID:                 fmt.Sprintf("scan-%d", i),
			Type:               "ocr",
			RequiredCapability: "ocr",
		}).ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return f.queue.Counts()[task.StatusCompleted] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		got := f.get(t, id)
		assert.Contains(t, []string{"ocr-1", "ocr-2"}, got.AssignedTo, "task %s", id)
		assert.JSONEq(t, `"done"`, string(got.Result))
	}
	assert.Len(t, append(ocr1.tasks(), ocr2.tasks()...), len(ids))
	assert.Empty(t, writer.tasks())

	for _, id := range []string{"ocr-1", "ocr-2"} {
		info, err := f.reg.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 0, info.CurrentTaskCount)
		assert.Equal(t, registry.StatusAvailable, info.Status)
	}
	assert.Equal(t, float64(len(ids)), testutil.ToFloat64(f.metrics.AssignmentsCounter(RoundRobin)))
}

func TestPool_DispatchRespectsWorkerLimit(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		registry.AgentInfo{ID: "a", Capabilities: []string{"ocr"}},
		registry.AgentInfo{ID: "b", Capabilities: []string{"ocr"}},
	)
	for i := 0; i < 3; i++ {
		f.enqueue(t, task.Task{ID: fmt.Sprintf("t%d", i), Type: "ocr", RequiredCapability: "ocr"})
	}

	n, err := f.pool.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "a", f.get(t, "t0").AssignedTo)
	assert.Equal(t, "b", f.get(t, "t1").AssignedTo)
	assert.Equal(t, task.StatusPending, f.get(t, "t2").Status)

	_, err = f.pool.GetAvailableWorker("ocr")
	assert.ErrorIs(t, err, ErrNoWorker)
	var wu *WorkerUnavailableError
	require.True(t, errors.As(err, &wu))
	assert.Equal(t, "ocr", wu.Capability)

	info, err := f.reg.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBusy, info.Status)
	assert.Equal(t, 1, info.CurrentTaskCount)

	snap := f.pool.Snapshot()
	assert.Equal(t, Snapshot{Pending: 1, Workers: 2, Busy: 2}, snap)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.noWorker))
}

func TestPool_NoCapableWorkerLeavesTaskPending(t *testing.T) {
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "writer", Capabilities: []string{"text"}})
	f.enqueue(t, task.Task{ID: "scan", Type: "ocr", RequiredCapability: "ocr"})

	n, err := f.pool.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, task.StatusPending, f.get(t, "scan").Status)
}

func TestPool_NonMembersAreNotSelected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.reg.Register(context.Background(), registry.AgentInfo{ID: "outsider"})
	require.NoError(t, err)

	_, err = f.pool.GetAvailableWorker("")
	assert.ErrorIs(t, err, ErrNoWorker)

	require.NoError(t, f.pool.Add(context.Background(), "outsider"))
	got, err := f.pool.GetAvailableWorker("")
	require.NoError(t, err)
	assert.Equal(t, "outsider", got.ID)

	err = f.pool.Add(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestPool_ResultHandling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "a"}, registry.AgentInfo{ID: "b"})
	f.enqueue(t, task.Task{ID: "job", Type: "work", MaxAttempts: 2})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)
	owner := f.get(t, "job").AssignedTo
	require.Equal(t, "a", owner)

	// A report from an agent that does not hold the task is ignored.
	f.pool.handleReport(ctx, report(t, "b", bus.TypeTaskResult, ResultPayload{TaskID: "job", AgentID: "b"}))
	assert.Equal(t, task.StatusInProgress, f.get(t, "job").Status)

	// A failure with attempts left goes back to Pending.
	f.pool.handleReport(ctx, report(t, "a", bus.TypeTaskResult, ResultPayload{TaskID: "job", AgentID: "a", Error: "boom"}))
	got := f.get(t, "job")
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "boom", got.Error)

	info, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentTaskCount)
	assert.Equal(t, registry.StatusAvailable, info.Status)

	_, err = f.pool.Dispatch(ctx)
	require.NoError(t, err)
	owner = f.get(t, "job").AssignedTo
	require.Equal(t, "b", owner)

	f.pool.handleReport(ctx, report(t, owner, bus.TypeTaskResult, ResultPayload{TaskID: "job", AgentID: owner, Error: "boom again"}))
	got = f.get(t, "job")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.results.WithLabelValues(string(task.StatusPending))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.results.WithLabelValues(string(task.StatusFailed))))
}

func TestPool_CancelInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "a"})
	agent := startFakeAgentWithoutReplies(t, f.bus, "a")
	f.enqueue(t, task.Task{ID: "long", Type: "work"})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)

	got, err := f.pool.RequestCancel(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.True(t, got.CancelRequested)

	require.Eventually(t, func() bool {
		return len(agent.cancelled()) == 1
	}, time.Second, 5*time.Millisecond)

	f.pool.handleReport(ctx, report(t, "a", bus.TypeTaskCancelled, CancelPayload{TaskID: "long", AgentID: "a"}))
	assert.Equal(t, task.StatusCancelled, f.get(t, "long").Status)

	info, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentTaskCount)
	assert.Equal(t, registry.StatusAvailable, info.Status)
}

func TestPool_CancelPendingNeverDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "a"})
	f.enqueue(t, task.Task{ID: "queued", Type: "work"})

	got, err := f.pool.RequestCancel(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	n, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.get(t, "queued").AssignedTo)
}

func TestPool_SweepForcesCancelAfterGrace(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.CancelGrace = 5 * time.Second
	f := newFixture(t, cfg, registry.AgentInfo{ID: "a"})
	f.enqueue(t, task.Task{ID: "stuck", Type: "work"})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)
	_, err = f.pool.RequestCancel(ctx, "stuck")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.pool.Sweep(ctx))
	assert.Equal(t, task.StatusInProgress, f.get(t, "stuck").Status)

	f.clock.Advance(4 * time.Second)
	require.NoError(t, f.reg.RecordHeartbeat(ctx, "a"))
	require.NoError(t, f.pool.Sweep(ctx))
	assert.Equal(t, task.StatusCancelled, f.get(t, "stuck").Status)

	info, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentTaskCount)
}

func TestPool_SweepExpiresTimedOutTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "a"})
	agent := startFakeAgentWithoutReplies(t, f.bus, "a")
	f.enqueue(t, task.Task{ID: "slow", Type: "work", Timeout: time.Second, MaxAttempts: 3})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.pool.Sweep(ctx))

	got := f.get(t, "slow")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.timeouts))

	require.Eventually(t, func() bool {
		return len(agent.cancelled()) == 1
	}, time.Second, 5*time.Millisecond)

	// A late result from the agent is ignored.
	f.pool.handleReport(ctx, report(t, "a", bus.TypeTaskResult, ResultPayload{TaskID: "slow", AgentID: "a"}))
	assert.Equal(t, task.StatusFailed, f.get(t, "slow").Status)
}

func TestPool_TimedOutReportIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "a"})
	f.enqueue(t, task.Task{ID: "job", Type: "work", Timeout: time.Second, MaxAttempts: 3})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", f.get(t, "job").AssignedTo)

	f.pool.handleReport(ctx, report(t, "a", bus.TypeTaskResult, ResultPayload{
		TaskID:   "job",
		AgentID:  "a",
		Error:    "context deadline exceeded",
		TimedOut: true,
	}))
	got := f.get(t, "job")
	assert.Equal(t, task.StatusFailed, got.Status, "timeouts are not retried")
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Error, task.ErrTimeout.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.timeouts))

	info, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentTaskCount)
}

func TestPool_SweepEvictsSilentAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), registry.AgentInfo{ID: "quiet"}, registry.AgentInfo{ID: "chatty"})
	f.enqueue(t, task.Task{ID: "job", Type: "work"})

	_, err := f.pool.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "chatty", f.get(t, "job").AssignedTo)

	f.clock.Advance(100 * time.Second)
	require.NoError(t, f.reg.RecordHeartbeat(ctx, "chatty"))
	require.NoError(t, f.pool.Sweep(ctx))

	workers := f.pool.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "chatty", workers[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.evictions))
	assert.Equal(t, task.StatusInProgress, f.get(t, "job").Status)

	f.clock.Advance(100 * time.Second)
	require.NoError(t, f.pool.Sweep(ctx))
	assert.Empty(t, f.pool.Workers())

	got := f.get(t, "job")
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.AssignedTo)
	assert.Zero(t, got.Attempts)
}

func TestPool_AutoJoin(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AutoJoin = true
	f := newFixture(t, cfg)

	_, err := f.reg.Register(ctx, registry.AgentInfo{ID: "late"})
	require.NoError(t, err)
	require.Len(t, f.pool.Workers(), 1)

	f.enqueue(t, task.Task{ID: "job", Type: "work"})
	_, err = f.pool.Dispatch(ctx)
	require.NoError(t, err)

	require.NoError(t, f.reg.Unregister(ctx, "late"))
	assert.Empty(t, f.pool.Workers())
	assert.Equal(t, task.StatusPending, f.get(t, "job").Status)
}

func TestNew_RejectsUnknownStrategy(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	b := bus.New(bus.NewMemoryTransport(0), reg, nil)
	defer b.Close()

	_, err := New(Config{Strategy: "fastest"}, reg, task.NewQueue(nil, nil, nil), b, nil)
	assert.Error(t, err)
}

func startFakeAgentWithoutReplies(t *testing.T, b *bus.Bus, id string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{id: id}
	unsubscribe, err := b.Subscribe(id, func(_ context.Context, msg bus.Message) {
		var c CancelPayload
		if msg.Type == bus.TypeTaskCancel && msg.Decode(&c) == nil {
			a.mu.Lock()
			a.cancels = append(a.cancels, c.TaskID)
			a.mu.Unlock()
		}
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return a
}
