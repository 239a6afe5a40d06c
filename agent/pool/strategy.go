package pool

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dshills/taskgraph-go/agent/registry"
)

// Strategy names a load-balancing policy. It decides which agent receives a
// ready task; it never changes which task is ready next.
type Strategy string

const (
	// RoundRobin rotates through eligible agents in ID order.
	RoundRobin Strategy = "round_robin"

	// CapabilityBased prefers the agent with the fewest declared
	// capabilities.
	CapabilityBased Strategy = "capability"

	// PriorityBased prefers the agent with the highest declared priority.
	PriorityBased Strategy = "priority"

	// Random picks uniformly among eligible agents.
	Random Strategy = "random"
)

// ParseStrategy accepts the strategy names plus a few aliases.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "round-robin", "roundrobin":
		return RoundRobin, nil
	case "capability", "capability_based", "capability-based":
		return CapabilityBased, nil
	case "priority", "priority_based", "priority-based":
		return PriorityBased, nil
	case "random":
		return Random, nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// Selector picks one agent from a non-empty candidate list sorted by ID.
// Selectors are not safe for concurrent use; the pool calls them under its
// lock.
type Selector interface {
	Select(candidates []registry.AgentInfo) registry.AgentInfo
}

// NewSelector returns the selector for s. seed only affects Random.
func NewSelector(s Strategy, seed int64) Selector {
	switch s {
	case CapabilityBased:
		return capabilitySelector{}
	case PriorityBased:
		return prioritySelector{}
	case Random:
		return &randomSelector{rng: rand.New(rand.NewSource(seed))}
	default:
		return &roundRobinSelector{}
	}
}

type roundRobinSelector struct {
	last string
}

// Select returns the first candidate after the previously chosen ID,
// wrapping around.
func (s *roundRobinSelector) Select(candidates []registry.AgentInfo) registry.AgentInfo {
	chosen := candidates[0]
	for _, c := range candidates {
		if c.ID > s.last {
			chosen = c
			break
		}
	}
	s.last = chosen.ID
	return chosen
}

type capabilitySelector struct{}

func (capabilitySelector) Select(candidates []registry.AgentInfo) registry.AgentInfo {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case len(c.Capabilities) < len(best.Capabilities):
			best = c
		case len(c.Capabilities) == len(best.Capabilities) && c.CurrentTaskCount < best.CurrentTaskCount:
			best = c
		}
	}
	return best
}

type prioritySelector struct{}

func (prioritySelector) Select(candidates []registry.AgentInfo) registry.AgentInfo {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Priority > best.Priority:
			best = c
		case c.Priority == best.Priority && c.CurrentTaskCount < best.CurrentTaskCount:
			best = c
		}
	}
	return best
}

type randomSelector struct {
	rng *rand.Rand
}

func (s *randomSelector) Select(candidates []registry.AgentInfo) registry.AgentInfo {
	return candidates[s.rng.Intn(len(candidates))]
}
