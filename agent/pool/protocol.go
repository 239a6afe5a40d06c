package pool

import (
	"encoding/json"

	"github.com/dshills/taskgraph-go/agent/task"
)

// DefaultMailbox is the bus endpoint the pool receives reports on.
const DefaultMailbox = "pool"

// AssignPayload is the body of a bus.TypeTaskAssign message.
type AssignPayload struct {
	Task task.Task `json:"task"`
}

// ResultPayload is the body of a bus.TypeTaskResult message. A non-empty
// Error marks the attempt failed. TimedOut marks it failed for good.
type ResultPayload struct {
	TaskID   string          `json:"task_id"`
	AgentID  string          `json:"agent_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
}

// CancelPayload is the body of bus.TypeTaskCancel and bus.TypeTaskCancelled
// messages.
type CancelPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
