// Package emit delivers run events to logging and tracing backends.
package emit

// Emitter receives events from the engine.
//
// Implementations must be safe for concurrent use (many runs share one
// emitter) and must not block the run for long.
type Emitter interface {
	Emit(event Event)
}

// Multi fans each event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// NullEmitter discards every event.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops events.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

func (n *NullEmitter) Emit(Event) {}
