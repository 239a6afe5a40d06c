// Package bus delivers messages between agents over a pluggable transport.
//
// Every agent owns a mailbox named after its ID. Messages from one sender to
// one receiver are delivered in the order they were sent; there is no
// ordering guarantee across senders.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged between the worker pool and agents.
const (
	TypeTaskAssign    = "task.assign"
	TypeTaskResult    = "task.result"
	TypeTaskCancel    = "task.cancel"
	TypeTaskCancelled = "task.cancelled"
	TypeScaleSignal   = "pool.scale"
)

// Message is a unit of communication between agents.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessage builds a message with a fresh ID and payload encoded as JSON.
func NewMessage(from, to, msgType string, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      msgType,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Receipt confirms that Send handed a message to the transport.
type Receipt struct {
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	SentAt    time.Time `json:"sent_at"`
}

// BroadcastResult reports per-target outcomes of Broadcast.
type BroadcastResult struct {
	Delivered []Receipt        `json:"delivered"`
	Failed    map[string]error `json:"-"`
}

// OK reports whether every target accepted the message.
func (r BroadcastResult) OK() bool {
	return len(r.Failed) == 0
}
