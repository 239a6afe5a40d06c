// Package pool matches ready tasks to registered agents and dispatches them
// over the message bus.
//
// The pool owns three background loops, all started by Run:
//   - dispatch: assigns Pending tasks to eligible agents
//   - janitor: expires timed-out tasks, forces overdue cancellations and
//     evicts agents that stopped heartbeating
//   - autoscaler: emits advisory scale signals (optional)
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/task"
)

// ErrNoWorker matches WorkerUnavailableError with errors.Is.
var ErrNoWorker = errors.New("no worker available")

// WorkerUnavailableError reports that no pool agent can take a task with
// the given capability right now. The task stays Pending.
type WorkerUnavailableError struct {
	Capability string
}

func (e *WorkerUnavailableError) Error() string {
	if e.Capability == "" {
		return "no worker available"
	}
	return fmt.Sprintf("no worker available with capability %q", e.Capability)
}

func (e *WorkerUnavailableError) Is(target error) bool {
	return target == ErrNoWorker
}

// Config holds pool settings.
type Config struct {
	// Mailbox is the bus endpoint for agent reports. Default "pool".
	Mailbox string `yaml:"mailbox"`

	Strategy Strategy `yaml:"strategy"`

	// MaxTasksPerWorker is how many tasks one agent runs at once. Default 1.
	MaxTasksPerWorker int `yaml:"max_tasks_per_worker"`

	// DispatchInterval bounds how long a ready task waits when no queue
	// notification arrives. Default 200ms.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// AssignRate limits assignments per second; 0 disables the limit.
	AssignRate  float64 `yaml:"assign_rate"`
	AssignBurst int     `yaml:"assign_burst"`

	// JanitorInterval is how often timeouts and evictions are checked.
	// Default 1s.
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// CancelGrace is how long an agent has to acknowledge a cancel request
	// before the task is forced Cancelled. Default 30s.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// EvictAfter removes a member whose last heartbeat is older than this.
	// Default 90s.
	EvictAfter time.Duration `yaml:"evict_after"`

	// AutoJoin adds every agent registered in the registry to the pool and
	// evicts it on unregistration.
	AutoJoin bool `yaml:"auto_join"`

	// Seed feeds the Random strategy.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the defaults listed on Config.
func DefaultConfig() Config {
	return Config{
		Mailbox:           DefaultMailbox,
		Strategy:          RoundRobin,
		MaxTasksPerWorker: 1,
		DispatchInterval:  200 * time.Millisecond,
		JanitorInterval:   time.Second,
		CancelGrace:       30 * time.Second,
		EvictAfter:        90 * time.Second,
		Seed:              1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mailbox == "" {
		c.Mailbox = d.Mailbox
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxTasksPerWorker <= 0 {
		c.MaxTasksPerWorker = d.MaxTasksPerWorker
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = d.EvictAfter
	}
	if c.AssignRate > 0 && c.AssignBurst <= 0 {
		c.AssignBurst = 1
	}
	return c
}

// Pool dispatches queued tasks to its member agents.
type Pool struct {
	cfg        Config
	registry   *registry.Registry
	queue      *task.Queue
	bus        *bus.Bus
	logger     *zap.Logger
	metrics    *Metrics
	autoscaler *Autoscaler
	limiter    *rate.Limiter

	// mu guards members and selector; selection and snapshots are taken
	// under it.
	mu       sync.Mutex
	members  map[string]time.Time
	selector Selector
	now      func() time.Time

	// dispatchMu serializes dispatch passes.
	dispatchMu sync.Mutex

	stopWatch func()
}

// Option customizes a Pool.
type Option func(*Pool)

// WithMetrics records pool metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithAutoscaler makes Run evaluate a alongside dispatch.
func WithAutoscaler(a *Autoscaler) Option {
	return func(p *Pool) { p.autoscaler = a }
}

// WithClock replaces the janitor's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool and declares its mailbox on b.
func New(cfg Config, reg *registry.Registry, q *task.Queue, b *bus.Bus, logger *zap.Logger, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if reg == nil || q == nil || b == nil {
		return nil, errors.New("pool: registry, queue and bus are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:      cfg,
		registry: reg,
		queue:    q,
		bus:      b,
		logger:   logger.With(zap.String("component", "pool")),
		members:  make(map[string]time.Time),
		selector: NewSelector(cfg.Strategy, cfg.Seed),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.AssignRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.AssignRate), cfg.AssignBurst)
	}

	b.DeclareEndpoint(cfg.Mailbox)

	if cfg.AutoJoin {
		for _, a := range reg.List(context.Background()) {
			p.members[a.ID] = p.now()
		}
		p.stopWatch = reg.Watch(p.onRegistryEvent)
	}
	return p, nil
}

func (p *Pool) onRegistryEvent(ev registry.Event) {
	ctx := context.Background()
	switch ev.Type {
	case registry.EventRegistered:
		if err := p.Add(ctx, ev.Agent.ID); err != nil {
			p.logger.Warn("auto join failed", zap.String("agent_id", ev.Agent.ID), zap.Error(err))
		}
	case registry.EventUnregistered:
		if _, err := p.Evict(ctx, ev.Agent.ID); err != nil {
			p.logger.Warn("auto evict failed", zap.String("agent_id", ev.Agent.ID), zap.Error(err))
		}
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Autoscaler returns the configured autoscaler or nil.
func (p *Pool) Autoscaler() *Autoscaler {
	return p.autoscaler
}

// Add makes a registered agent a pool member.
func (p *Pool) Add(ctx context.Context, agentID string) error {
	if !p.registry.Exists(agentID) {
		return fmt.Errorf("add %s to pool: %w", agentID, registry.ErrAgentNotFound)
	}
	p.mu.Lock()
	_, already := p.members[agentID]
	if !already {
		p.members[agentID] = p.now()
	}
	p.mu.Unlock()

	if !already {
		p.logger.Info("agent joined pool", zap.String("agent_id", agentID))
	}
	return nil
}

// Evict removes an agent from the pool and returns its in-flight tasks to
// Pending. It returns the number of tasks released.
func (p *Pool) Evict(ctx context.Context, agentID string) (int, error) {
	p.mu.Lock()
	_, ok := p.members[agentID]
	delete(p.members, agentID)
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}

	released, err := p.queue.ReleaseAgent(ctx, agentID)
	if len(released) > 0 {
		if _, adjErr := p.registry.AdjustTaskCount(ctx, agentID, -len(released)); adjErr != nil &&
			!errors.Is(adjErr, registry.ErrAgentNotFound) {
			p.logger.Warn("failed to adjust task count", zap.String("agent_id", agentID), zap.Error(adjErr))
		}
	}
	p.logger.Info("agent left pool",
		zap.String("agent_id", agentID),
		zap.Int("released_tasks", len(released)),
	)
	return len(released), err
}

// Workers returns the members' registry records with effective statuses,
// sorted by ID. Members no longer in the registry are omitted.
func (p *Pool) Workers() []registry.AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.membersLocked()
}

func (p *Pool) membersLocked() []registry.AgentInfo {
	ctx := context.Background()
	out := make([]registry.AgentInfo, 0, len(p.members))
	for id := range p.members {
		info, err := p.registry.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAvailableWorker selects a member that is Available, live, below its
// task limit and declares capability (empty matches any agent).
func (p *Pool) GetAvailableWorker(capability string) (registry.AgentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []registry.AgentInfo
	for _, info := range p.membersLocked() {
		if info.Status != registry.StatusAvailable {
			continue
		}
		if info.CurrentTaskCount >= p.cfg.MaxTasksPerWorker {
			continue
		}
		if !info.HasCapability(capability) {
			continue
		}
		candidates = append(candidates, info)
	}
	if len(candidates) == 0 {
		return registry.AgentInfo{}, &WorkerUnavailableError{Capability: capability}
	}
	return p.selector.Select(candidates), nil
}

// Snapshot reports pending tasks and member load. Workers counts live
// members; Busy counts those running at least one task.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	members := p.membersLocked()
	p.mu.Unlock()

	s := Snapshot{Pending: p.queue.PendingCount()}
	for _, info := range members {
		if info.Status == registry.StatusUnavailable || info.Status == registry.StatusError {
			continue
		}
		s.Workers++
		if info.CurrentTaskCount > 0 || info.Status == registry.StatusBusy {
			s.Busy++
		}
	}
	p.metrics.observeSnapshot(s)
	return s
}

// Run subscribes to the pool mailbox and runs the background loops until ctx
// is done.
func (p *Pool) Run(ctx context.Context) error {
	unsubscribe, err := p.bus.Subscribe(p.cfg.Mailbox, p.handleReport)
	if err != nil {
		return fmt.Errorf("pool subscribe: %w", err)
	}
	defer unsubscribe()
	if p.stopWatch != nil {
		defer p.stopWatch()
	}

	p.logger.Info("pool started",
		zap.String("strategy", string(p.cfg.Strategy)),
		zap.Int("members", len(p.Workers())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.dispatchLoop(gctx) })
	g.Go(func() error { return p.janitorLoop(gctx) })
	if p.autoscaler != nil {
		g.Go(func() error { return p.autoscaler.Run(gctx, p.Snapshot) })
	}
	err = g.Wait()
	p.logger.Info("pool stopped")
	return err
}

func (p *Pool) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Dispatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("dispatch pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.queue.Notify():
		}
	}
}

// Dispatch makes one pass over the ready tasks in queue order and assigns
// each to an eligible member. Tasks with no eligible member stay Pending.
// It returns the number of tasks assigned.
func (p *Pool) Dispatch(ctx context.Context) (int, error) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	assigned := 0
	for _, t := range p.queue.Ready(0) {
		worker, err := p.GetAvailableWorker(t.RequiredCapability)
		if err != nil {
			p.metrics.missed()
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return assigned, err
			}
		}
		if err := p.assign(ctx, t, worker.ID); err != nil {
			p.logger.Warn("assignment failed",
				zap.String("task_id", t.ID),
				zap.String("agent_id", worker.ID),
				zap.Error(err),
			)
			continue
		}
		assigned++
	}
	return assigned, nil
}

func (p *Pool) assign(ctx context.Context, t task.Task, agentID string) error {
	claimed, err := p.queue.Claim(ctx, t.ID, agentID)
	switch {
	case errors.Is(err, task.ErrInvalidTransition):
		return nil // cancelled or claimed since the snapshot
	case err != nil && claimed.ID == "":
		return err
	case err != nil:
		p.logger.Warn("claim not persisted", zap.String("task_id", t.ID), zap.Error(err))
	}
	p.acquire(ctx, agentID)

	msg, err := bus.NewMessage(p.cfg.Mailbox, agentID, bus.TypeTaskAssign, AssignPayload{Task: claimed})
	if err == nil {
		_, err = p.bus.Send(ctx, msg)
	}
	if err != nil {
		if _, reqErr := p.queue.Requeue(ctx, t.ID); reqErr != nil {
			p.logger.Error("failed to requeue undelivered task", zap.String("task_id", t.ID), zap.Error(reqErr))
		}
		p.release(ctx, agentID)
		return fmt.Errorf("deliver task %s: %w", t.ID, err)
	}

	p.metrics.assigned(p.cfg.Strategy)
	p.logger.Debug("task assigned",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", claimed.Attempts),
	)
	return nil
}

// acquire records one more task on agentID and marks it Busy at its limit.
func (p *Pool) acquire(ctx context.Context, agentID string) {
	n, err := p.registry.AdjustTaskCount(ctx, agentID, 1)
	if err != nil {
		return
	}
	if n >= p.cfg.MaxTasksPerWorker {
		_ = p.registry.UpdateStatus(ctx, agentID, registry.StatusBusy)
	}
}

// release records one task fewer on agentID and restores Available below
// its limit.
func (p *Pool) release(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	n, err := p.registry.AdjustTaskCount(ctx, agentID, -1)
	if err != nil {
		return
	}
	info, err := p.registry.Get(ctx, agentID)
	if err != nil {
		return
	}
	if n < p.cfg.MaxTasksPerWorker && info.Status == registry.StatusBusy {
		_ = p.registry.UpdateStatus(ctx, agentID, registry.StatusAvailable)
	}
}

// handleReport processes task.result and task.cancelled messages from
// agents. Reports for tasks no longer assigned to the sender are ignored.
func (p *Pool) handleReport(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeTaskResult:
		var res ResultPayload
		if err := msg.Decode(&res); err != nil {
			p.logger.Warn("malformed task result", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		agentID := firstNonEmpty(res.AgentID, msg.From)
		if !p.ownedBy(ctx, res.TaskID, agentID) {
			return
		}

		var (
			t   task.Task
			err error
		)
		switch {
		case res.TimedOut:
			t, err = p.queue.Timeout(ctx, res.TaskID)
		case res.Error != "":
			t, err = p.queue.Fail(ctx, res.TaskID, errors.New(res.Error))
		default:
			t, err = p.queue.Complete(ctx, res.TaskID, res.Result)
		}
		if err != nil && t.ID == "" {
			p.logger.Debug("task result not applied", zap.String("task_id", res.TaskID), zap.Error(err))
			return
		}
		if err != nil {
			p.logger.Warn("task result not persisted", zap.String("task_id", res.TaskID), zap.Error(err))
		}
		p.release(ctx, agentID)
		if res.TimedOut {
			p.metrics.timedOut(1)
		}
		p.metrics.result(string(t.Status))
		p.logger.Debug("task reported",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agentID),
			zap.String("status", string(t.Status)),
		)

	case bus.TypeTaskCancelled:
		var c CancelPayload
		if err := msg.Decode(&c); err != nil {
			p.logger.Warn("malformed cancel ack", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		agentID := firstNonEmpty(c.AgentID, msg.From)
		if !p.ownedBy(ctx, c.TaskID, agentID) {
			return
		}
		t, err := p.queue.MarkCancelled(ctx, c.TaskID)
		if err != nil && t.ID == "" {
			p.logger.Debug("cancel ack not applied", zap.String("task_id", c.TaskID), zap.Error(err))
			return
		}
		p.release(ctx, agentID)
		p.metrics.result(string(task.StatusCancelled))

	default:
		p.logger.Debug("ignoring message", zap.String("type", msg.Type), zap.String("from", msg.From))
	}
}

func (p *Pool) ownedBy(ctx context.Context, taskID, agentID string) bool {
	t, err := p.queue.Get(ctx, taskID)
	if err != nil {
		p.logger.Debug("report for unknown task", zap.String("task_id", taskID))
		return false
	}
	if t.Status != task.StatusInProgress || t.AssignedTo != agentID {
		p.logger.Debug("stale report ignored",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.String("status", string(t.Status)),
		)
		return false
	}
	return true
}

// RequestCancel cancels a task. A Pending or Blocked task is cancelled at
// once; for an InProgress task the assigned agent is asked to stop and the
// task becomes Cancelled when it acknowledges or CancelGrace passes.
func (p *Pool) RequestCancel(ctx context.Context, taskID string) (task.Task, error) {
	t, err := p.queue.Cancel(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == task.StatusInProgress && t.CancelRequested {
		p.notifyCancel(ctx, t, "cancel requested")
	}
	return t, nil
}

func (p *Pool) notifyCancel(ctx context.Context, t task.Task, reason string) {
	msg, err := bus.NewMessage(p.cfg.Mailbox, t.AssignedTo, bus.TypeTaskCancel,
		CancelPayload{TaskID: t.ID, AgentID: t.AssignedTo, Reason: reason})
	if err == nil {
		_, err = p.bus.Send(ctx, msg)
	}
	if err != nil {
		p.logger.Warn("failed to send cancel request",
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AssignedTo),
			zap.Error(err),
		)
	}
}

func (p *Pool) janitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one janitor pass: it fails timed-out tasks, forces overdue
// cancellations and evicts members whose heartbeat is older than
// EvictAfter.
func (p *Pool) Sweep(ctx context.Context) error {
	now := p.now()
	var errs []error

	expired, err := p.queue.ExpireTimedOut(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range expired {
		p.notifyCancel(ctx, t, "timed out")
		p.release(ctx, t.AssignedTo)
	}
	p.metrics.timedOut(len(expired))

	forced, err := p.queue.ExpireCancelRequests(ctx, now, p.cfg.CancelGrace)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range forced {
		p.logger.Warn("cancellation forced after grace period",
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AssignedTo),
		)
		p.release(ctx, t.AssignedTo)
	}

	for _, id := range p.staleMembers(ctx, now) {
		p.metrics.evicted()
		if _, err := p.Evict(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) staleMembers(ctx context.Context, now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []string
	for id := range p.members {
		info, err := p.registry.Get(ctx, id)
		if err != nil || now.Sub(info.LastHeartbeat) > p.cfg.EvictAfter {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
