package emit

import "time"

// Messages emitted by the engine. Emitters may switch on Msg to decide how to
// render an event.
const (
	MsgRunStarted       = "run started"
	MsgRunResumed       = "run resumed"
	MsgNodeCompleted    = "node completed"
	MsgNodeFailed       = "node failed"
	MsgCheckpointSaved  = "checkpoint saved"
	MsgCheckpointFailed = "checkpoint failed"
	MsgRunCompleted     = "run completed"
	MsgRunFailed        = "run failed"
)

// Event is an observability record produced while a run executes.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Iteration is the number of node executions completed so far in the
	// run, counted from run start. Zero for run-level events emitted before
	// the first node.
	Iteration int

	// Node is the node the event refers to. Empty for run-level events.
	Node string

	// Msg is one of the Msg* constants.
	Msg string

	// Time is when the event was produced.
	Time time.Time

	// Meta carries event-specific data. Common keys:
	//   - "duration_ms": node execution time
	//   - "error": error text
	//   - "checkpoint_id": checkpoint identifier
	Meta map[string]interface{}
}

// Err returns the "error" metadata value, or "" when absent.
func (e Event) Err() string {
	if s, ok := e.Meta["error"].(string); ok {
		return s
	}
	return ""
}
