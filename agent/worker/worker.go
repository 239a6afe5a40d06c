// Package worker runs an agent process: it registers with the registry,
// heartbeats, and executes tasks the pool assigns to it over the bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/task"
)

// Handler executes one task and returns its result. ctx is cancelled when
// the task times out or its cancellation is requested.
type Handler func(ctx context.Context, t task.Task) (json.RawMessage, error)

// ErrNoHandler is reported for tasks whose type has no handler.
var ErrNoHandler = errors.New("no handler for task type")

// Config holds agent settings.
type Config struct {
	// Info is registered on Start. An empty ID is generated.
	Info registry.AgentInfo

	// PoolMailbox receives results. Default pool.DefaultMailbox.
	PoolMailbox string

	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
}

// Agent executes assigned tasks with registered handlers.
type Agent struct {
	cfg      Config
	bus      *bus.Bus
	registry *registry.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]*run
	started  bool

	cancel      context.CancelFunc
	unsubscribe bus.Unsubscribe
	wg          sync.WaitGroup
}

type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// New creates an agent. Register handlers before Start.
func New(cfg Config, b *bus.Bus, reg *registry.Registry, logger *zap.Logger) *Agent {
	if cfg.PoolMailbox == "" {
		cfg.PoolMailbox = pool.DefaultMailbox
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:      cfg,
		bus:      b,
		registry: reg,
		logger:   logger.With(zap.String("component", "worker")),
		handlers: make(map[string]Handler),
		running:  make(map[string]*run),
	}
}

// Handle registers h for taskType. The empty type is the fallback for
// types with no handler of their own.
func (a *Agent) Handle(taskType string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = h
}

// ID returns the agent ID. It is final after Start.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Info.ID
}

// Start registers the agent, subscribes to its mailbox and starts
// heartbeating. ctx bounds the agent's lifetime.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("worker already started")
	}
	a.started = true
	a.mu.Unlock()

	info, err := a.registry.Register(ctx, a.cfg.Info)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	a.mu.Lock()
	a.cfg.Info = info
	a.mu.Unlock()
	a.logger = a.logger.With(zap.String("agent_id", info.ID))

	unsubscribe, err := a.bus.Subscribe(info.ID, a.onMessage)
	if err != nil {
		_ = a.registry.Unregister(ctx, info.ID)
		return fmt.Errorf("subscribe agent mailbox: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.unsubscribe = unsubscribe

	a.wg.Add(1)
	go a.heartbeat(runCtx)

	a.logger.Info("worker started", zap.Strings("capabilities", info.Capabilities))
	return nil
}

// Stop cancels running tasks without reporting them and unregisters. The
// pool returns such tasks to Pending when it evicts the agent.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	for _, r := range a.running {
		r.cancel()
	}
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.unsubscribe()
	if err := a.registry.Unregister(ctx, a.cfg.Info.ID); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
		return err
	}
	a.logger.Info("worker stopped")
	return nil
}

// Running returns the IDs of tasks currently executing.
func (a *Agent) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	return ids
}

func (a *Agent) heartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.RecordHeartbeat(ctx, a.cfg.Info.ID); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) onMessage(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeTaskAssign:
		var p pool.AssignPayload
		if err := msg.Decode(&p); err != nil {
			a.logger.Warn("malformed assignment", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		a.start(p.Task)

	case bus.TypeTaskCancel:
		var p pool.CancelPayload
		if err := msg.Decode(&p); err != nil {
			a.logger.Warn("malformed cancel request", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		a.mu.Lock()
		r, ok := a.running[p.TaskID]
		if ok {
			r.cancelled = true
			r.cancel()
		}
		a.mu.Unlock()
		if !ok {
			// Not running here any more; acknowledge so the pool can settle.
			a.send(ctx, bus.TypeTaskCancelled, pool.CancelPayload{TaskID: p.TaskID, AgentID: a.cfg.Info.ID})
		}

	default:
		a.logger.Debug("ignoring message", zap.String("type", msg.Type), zap.String("from", msg.From))
	}
}

func (a *Agent) start(t task.Task) {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return
	}
	if _, dup := a.running[t.ID]; dup {
		a.mu.Unlock()
		return
	}
	h, ok := a.handlers[t.Type]
	if !ok {
		h = a.handlers[""]
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r := &run{cancel: cancel}
	a.running[t.ID] = r
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()

		start := time.Now()
		result, err := execute(ctx, h, t)

		a.mu.Lock()
		delete(a.running, t.ID)
		cancelled := r.cancelled
		stopping := a.cancel == nil
		a.mu.Unlock()

		if stopping && !cancelled {
			// The pool requeues it when this agent leaves.
			a.logger.Info("task abandoned on stop", zap.String("task_id", t.ID))
			return
		}
		if cancelled {
			a.logger.Info("task cancelled", zap.String("task_id", t.ID))
			a.send(context.Background(), bus.TypeTaskCancelled, pool.CancelPayload{TaskID: t.ID, AgentID: a.cfg.Info.ID})
			return
		}

		res := pool.ResultPayload{TaskID: t.ID, AgentID: a.cfg.Info.ID, Result: result}
		if err != nil {
			res.Error = err.Error()
			res.Result = nil
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			a.logger.Warn("task failed",
				zap.String("task_id", t.ID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		} else {
			a.logger.Debug("task completed",
				zap.String("task_id", t.ID),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		a.send(context.Background(), bus.TypeTaskResult, res)
	}()
}

func execute(ctx context.Context, h Handler, t task.Task) (result json.RawMessage, err error) {
	if h == nil {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, t.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = h(ctx, t)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return result, err
}

func (a *Agent) send(ctx context.Context, msgType string, payload any) {
	msg, err := bus.NewMessage(a.cfg.Info.ID, a.cfg.PoolMailbox, msgType, payload)
	if err == nil {
		_, err = a.bus.Send(ctx, msg)
	}
	if err != nil {
		a.logger.Error("failed to report to pool", zap.String("type", msgType), zap.Error(err))
	}
}
