package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run.
//
// Useful in tests and for debugging a finished run. Memory grows without
// bound until Clear is called.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter results. Empty fields match
// everything.
type HistoryFilter struct {
	Node         string
	Msg          string
	MinIteration *int
	MaxIteration *int
}

// NewBufferedEmitter creates an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of all events recorded for runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// GetHistoryWithFilter returns the events for runID matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events[runID] {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops history for runID, or for every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

func (f HistoryFilter) matches(e Event) bool {
	if f.Node != "" && e.Node != f.Node {
		return false
	}
	if f.Msg != "" && e.Msg != f.Msg {
		return false
	}
	if f.MinIteration != nil && e.Iteration < *f.MinIteration {
		return false
	}
	if f.MaxIteration != nil && e.Iteration > *f.MaxIteration {
		return false
	}
	return true
}
