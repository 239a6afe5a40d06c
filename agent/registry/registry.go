// Package registry keeps the catalog of worker agents, their capabilities,
// and their liveness.
//
// An agent that has not heartbeated within the configured liveness window is
// reported as StatusUnavailable regardless of the status it last reported.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAgentNotFound is returned for an unknown agent ID.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when registering an ID twice.
	ErrAgentExists = errors.New("agent already registered")
)

// Status is the self-reported state of an agent.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnavailable, StatusError:
		return true
	}
	return false
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Capabilities     []string          `json:"capabilities"`
	Status           Status            `json:"status"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	CurrentTaskCount int               `json:"current_task_count"`
	Priority         int               `json:"priority"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
}

// HasCapability reports whether the agent declares capability. The empty
// capability matches every agent.
func (a AgentInfo) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (a AgentInfo) clone() AgentInfo {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		m := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			m[k] = v
		}
		a.Metadata = m
	}
	return a
}

// Config holds registry settings.
type Config struct {
	// LivenessWindow is how long an agent stays live after its last
	// heartbeat.
	LivenessWindow time.Duration `yaml:"liveness_window" json:"liveness_window"`
}

// DefaultConfig returns a Config with a 30 second liveness window.
func DefaultConfig() Config {
	return Config{LivenessWindow: 30 * time.Second}
}

// EventType identifies a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventStatus       EventType = "status"
)

// Event is delivered to watchers after a registry change.
type Event struct {
	Type  EventType
	Agent AgentInfo
}

// Registry is an in-memory, concurrency-safe agent catalog.
//
// It is constructed explicitly and passed to the components that need it;
// there is no process-wide default instance.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentInfo

	watchMu  sync.RWMutex
	watchers map[string]func(Event)

	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry. Zero config fields take their defaults and a nil
// logger discards output.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultConfig().LivenessWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:   make(map[string]*AgentInfo),
		watchers: make(map[string]func(Event)),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "registry")),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// LivenessWindow returns the configured window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.cfg.LivenessWindow
}

// Register adds an agent. An empty ID is replaced with a generated one, an
// empty status defaults to StatusAvailable, and the heartbeat is stamped
// with the current time. It returns the stored record.
func (r *Registry) Register(ctx context.Context, info AgentInfo) (AgentInfo, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Status == "" {
		info.Status = StatusAvailable
	}
	if !info.Status.Valid() {
		return AgentInfo{}, fmt.Errorf("agent %s: invalid status %q", info.ID, info.Status)
	}

	r.mu.Lock()
	if _, exists := r.agents[info.ID]; exists {
		r.mu.Unlock()
		return AgentInfo{}, fmt.Errorf("agent %s: %w", info.ID, ErrAgentExists)
	}
	now := r.now()
	info = info.clone()
	info.LastHeartbeat = now
	info.RegisteredAt = now
	info.CurrentTaskCount = 0
	r.agents[info.ID] = &info
	stored := info.clone()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", info.ID),
		zap.String("type", info.Type),
		zap.Strings("capabilities", info.Capabilities),
	)
	r.notify(Event{Type: EventRegistered, Agent: stored})
	return stored, nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	info, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	delete(r.agents, agentID)
	removed := info.clone()
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	r.notify(Event{Type: EventUnregistered, Agent: removed})
	return nil
}

// UpdateStatus records a self-reported status change.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("agent %s: invalid status %q", agentID, status)
	}

	r.mu.Lock()
	info, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	changed := info.Status != status
	info.Status = status
	snapshot := r.effective(*info)
	r.mu.Unlock()

	if changed {
		r.logger.Debug("agent status changed",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)),
		)
		r.notify(Event{Type: EventStatus, Agent: snapshot})
	}
	return nil
}

// RecordHeartbeat marks the agent live as of now.
func (r *Registry) RecordHeartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	info.LastHeartbeat = r.now()
	return nil
}

// AdjustTaskCount adds delta to the agent's current task count, clamping at
// zero, and returns the new count.
func (r *Registry) AdjustTaskCount(ctx context.Context, agentID string, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	info.CurrentTaskCount += delta
	if info.CurrentTaskCount < 0 {
		info.CurrentTaskCount = 0
	}
	return info.CurrentTaskCount, nil
}

// Get returns a copy of the agent with its effective status.
func (r *Registry) Get(ctx context.Context, agentID string) (AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return r.effective(*info), nil
}

// Exists reports whether agentID is registered.
func (r *Registry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Capabilities returns the declared capabilities of an agent.
func (r *Registry) Capabilities(ctx context.Context, agentID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return append([]string(nil), info.Capabilities...), nil
}

// List returns every agent sorted by ID, with effective statuses.
func (r *Registry) List(ctx context.Context) []AgentInfo {
	return r.filter(func(AgentInfo) bool { return true })
}

// FindByCapability returns agents that declare capability, are
// StatusAvailable, and are inside the liveness window. Results are sorted by
// ID.
func (r *Registry) FindByCapability(ctx context.Context, capability string) []AgentInfo {
	return r.filter(func(a AgentInfo) bool {
		return a.Status == StatusAvailable && a.HasCapability(capability)
	})
}

// FindByType returns agents of the given type in any status.
func (r *Registry) FindByType(ctx context.Context, agentType string) []AgentInfo {
	return r.filter(func(a AgentInfo) bool { return a.Type == agentType })
}

// Stale returns the IDs of agents whose last heartbeat is older than age.
func (r *Registry) Stale(ctx context.Context, age time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var ids []string
	for id, info := range r.agents {
		if now.Sub(info.LastHeartbeat) > age {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsLive reports whether info's heartbeat is inside the liveness window.
func (r *Registry) IsLive(info AgentInfo) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live(info)
}

// Watch registers fn to be called after every registry change. Calls are
// made synchronously from the goroutine that made the change, without
// registry locks held. The returned func removes the watcher.
func (r *Registry) Watch(fn func(Event)) (cancel func()) {
	id := uuid.NewString()
	r.watchMu.Lock()
	r.watchers[id] = fn
	r.watchMu.Unlock()

	return func() {
		r.watchMu.Lock()
		delete(r.watchers, id)
		r.watchMu.Unlock()
	}
}

func (r *Registry) notify(ev Event) {
	r.watchMu.RLock()
	fns := make([]func(Event), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.watchMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// filter must not be called with r.mu held.
func (r *Registry) filter(keep func(AgentInfo) bool) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		eff := r.effective(*info)
		if keep(eff) {
			out = append(out, eff)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// effective returns a copy of info with a stale agent reported as
// unavailable. Must be called with r.mu held.
func (r *Registry) effective(info AgentInfo) AgentInfo {
	info = info.clone()
	if !r.live(info) {
		info.Status = StatusUnavailable
	}
	return info
}

func (r *Registry) live(info AgentInfo) bool {
	return r.now().Sub(info.LastHeartbeat) <= r.cfg.LivenessWindow
}
