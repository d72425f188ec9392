// ABOUTME: Event record produced by the agent pipeline and routed by the delivery core
// ABOUTME: Defines the fixed set of event types and a constructor that stamps ids and time

package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event being delivered.
type Type string

// Agent lifecycle events.
const (
	TypeAgentStarted   Type = "agent_started"
	TypeAgentThinking  Type = "agent_thinking"
	TypeToolExecuting  Type = "tool_executing"
	TypeToolCompleted  Type = "tool_completed"
	TypeAgentCompleted Type = "agent_completed"
)

// System events.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeConnectionClosed      Type = "connection_closed"
	TypeHeartbeat             Type = "heartbeat"
	TypeError                 Type = "error"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeAgentStarted, TypeAgentThinking, TypeToolExecuting, TypeToolCompleted, TypeAgentCompleted,
		TypeConnectionEstablished, TypeConnectionClosed, TypeHeartbeat, TypeError:
		return true
	default:
		return false
	}
}

// System reports whether t is generated by the delivery layer itself rather than by an agent.
func (t Type) System() bool {
	switch t {
	case TypeConnectionEstablished, TypeConnectionClosed, TypeHeartbeat, TypeError:
		return true
	default:
		return false
	}
}

// Event is a single routed message. Data is opaque to the delivery core.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	MessageID string         `json:"message_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event with a fresh message ID and the current timestamp.
func New(typ Type, userID, threadID string, data map[string]any) *Event {
	return &Event{
		Type:      typ,
		Data:      data,
		UserID:    userID,
		ThreadID:  threadID,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// Normalize fills in a missing message ID or timestamp. Events arriving over the
// HTTP API are not guaranteed to carry either.
func (e *Event) Normalize() {
	if e.MessageID == "" {
		e.MessageID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
