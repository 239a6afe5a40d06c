package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/task"
)

type env struct {
	reg   *registry.Registry
	queue *task.Queue
	bus   *bus.Bus
	pool  *pool.Pool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	q := task.NewQueue(nil, nil, zap.NewNop())
	b := bus.New(bus.NewMemoryTransport(0), reg, zap.NewNop())

	cfg := pool.DefaultConfig()
	cfg.AutoJoin = true
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.JanitorInterval = 10 * time.Millisecond
	p, err := pool.New(cfg, reg, q, b, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Close()
	})
	return &env{reg: reg, queue: q, bus: b, pool: p}
}

func (e *env) startAgent(t *testing.T, info registry.AgentInfo, handlers map[string]Handler) *Agent {
	t.Helper()
	a := New(Config{Info: info, HeartbeatInterval: 10 * time.Millisecond}, e.bus, e.reg, zap.NewNop())
	for typ, h := range handlers {
		a.Handle(typ, h)
	}
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func (e *env) waitStatus(t *testing.T, id string, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = e.queue.Get(context.Background(), id)
		return err == nil && got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestAgent_ExecutesAssignedTasks(t *testing.T) {
	e := newEnv(t)
	e.startAgent(t, registry.AgentInfo{ID: "upper", Capabilities: []string{"text"}}, map[string]Handler{
		"upper": func(_ context.Context, tk task.Task) (json.RawMessage, error) {
			var s string
			if err := json.Unmarshal(tk.Input, &s); err != nil {
				return nil, err
			}
			return json.Marshal(strings.ToUpper(s))
		},
	})

	_, err := e.queue.Enqueue(context.Background(), task.Task{
		ID:                 "t1",
		Type:               "upper",
		Input:              json.RawMessage(`"hello"`),
		RequiredCapability: "text",
	})
	require.NoError(t, err)

	got := e.waitStatus(t, "t1", task.StatusCompleted)
	assert.Equal(t, "upper", got.AssignedTo)
	assert.JSONEq(t, `"HELLO"`, string(got.Result))
}

func TestAgent_ReportsFailures(t *testing.T) {
	e := newEnv(t)
	e.startAgent(t, registry.AgentInfo{ID: "w"}, map[string]Handler{
		"boom": func(context.Context, task.Task) (json.RawMessage, error) {
			return nil, errors.New("exploded")
		},
		"panic": func(context.Context, task.Task) (json.RawMessage, error) {
			panic("unexpected input")
		},
	})

	ctx := context.Background()
	for _, tk := range []task.Task{
		{ID: "fails", Type: "boom"},
		{ID: "panics", Type: "panic"},
		{ID: "unknown", Type: "mystery"},
	} {
		_, err := e.queue.Enqueue(ctx, tk)
		require.NoError(t, err)
	}

	assert.Equal(t, "exploded", e.waitStatus(t, "fails", task.StatusFailed).Error)
	assert.Contains(t, e.waitStatus(t, "panics", task.StatusFailed).Error, "handler panic")
	assert.Contains(t, e.waitStatus(t, "unknown", task.StatusFailed).Error, ErrNoHandler.Error())
}

func TestAgent_FallbackHandler(t *testing.T) {
	e := newEnv(t)
	e.startAgent(t, registry.AgentInfo{ID: "w"}, map[string]Handler{
		"": func(_ context.Context, tk task.Task) (json.RawMessage, error) {
			return json.Marshal(tk.Type)
		},
	})
	_, err := e.queue.Enqueue(context.Background(), task.Task{ID: "any", Type: "whatever"})
	require.NoError(t, err)

	got := e.waitStatus(t, "any", task.StatusCompleted)
	assert.JSONEq(t, `"whatever"`, string(got.Result))
}

func TestAgent_CancelRunningTask(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	e.startAgent(t, registry.AgentInfo{ID: "w"}, map[string]Handler{
		"wait": func(ctx context.Context, _ task.Task) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	_, err := e.queue.Enqueue(context.Background(), task.Task{ID: "long", Type: "wait"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	got, err := e.pool.RequestCancel(context.Background(), "long")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	e.waitStatus(t, "long", task.StatusCancelled)
	require.Eventually(t, func() bool {
		info, err := e.reg.Get(context.Background(), "w")
		return err == nil && info.CurrentTaskCount == 0 && info.Status == registry.StatusAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestAgent_HandlerTimeout(t *testing.T) {
	e := newEnv(t)
	var runs atomic.Int32
	e.startAgent(t, registry.AgentInfo{ID: "w"}, map[string]Handler{
		"slow": func(ctx context.Context, _ task.Task) (json.RawMessage, error) {
			runs.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	_, err := e.queue.Enqueue(context.Background(), task.Task{
		ID:          "slow",
		Type:        "slow",
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	got := e.waitStatus(t, "slow", task.StatusFailed)
	assert.Contains(t, got.Error, task.ErrTimeout.Error())
	assert.Equal(t, 1, got.Attempts)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "timed-out tasks are not retried")
	assert.Equal(t, task.StatusFailed, e.waitStatus(t, "slow", task.StatusFailed).Status)
}

func TestAgent_StopRequeuesRunningTask(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	a := e.startAgent(t, registry.AgentInfo{ID: "w"}, map[string]Handler{
		"wait": func(ctx context.Context, _ task.Task) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	_, err := e.queue.Enqueue(context.Background(), task.Task{ID: "long", Type: "wait", MaxAttempts: 1})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, a.Stop(context.Background()))

	got := e.waitStatus(t, "long", task.StatusPending)
	assert.Empty(t, got.AssignedTo)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Error)
}

func TestAgent_StartStop(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	b := bus.New(bus.NewMemoryTransport(0), reg, nil)
	defer b.Close()

	a := New(Config{Info: registry.AgentInfo{Type: "generic"}}, b, reg, nil)
	require.NoError(t, a.Start(context.Background()))
	require.NotEmpty(t, a.ID())
	assert.True(t, reg.Exists(a.ID()))
	assert.Error(t, a.Start(context.Background()))

	require.NoError(t, a.Stop(context.Background()))
	assert.False(t, reg.Exists(a.ID()))
	require.NoError(t, a.Stop(context.Background()))

	dup := New(Config{Info: registry.AgentInfo{ID: "taken"}}, b, reg, nil)
	_, err := reg.Register(context.Background(), registry.AgentInfo{ID: "taken"})
	require.NoError(t, err)
	assert.ErrorIs(t, dup.Start(context.Background()), registry.ErrAgentExists)
}
