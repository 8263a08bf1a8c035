package models

import "time"

// EventType tags entries on a backend's event channel.
type EventType string

const (
	EventReady EventType = "ready"
	EventData  EventType = "data"
	EventExit  EventType = "exit"
	EventError EventType = "error"

	EventChatResponse       EventType = "chat-response"
	EventChatStreamStart    EventType = "chat-stream-start"
	EventChatStreamChunk    EventType = "chat-stream-chunk"
	EventChatStreamComplete EventType = "chat-stream-complete"
	EventChatToolUse        EventType = "chat-tool-use"
	EventChatError          EventType = "chat-error"
)

// SessionEvent is the tagged union every backend publishes on its single
// event channel. The registry consumes these and re-emits them unmodified;
// only the fields relevant to Type are populated.
type SessionEvent struct {
	Type    EventType `json:"type"`
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`

	// EventData
	Data []byte `json:"data,omitempty"`

	// EventExit
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`

	// EventError / EventChatError
	Err string `json:"error,omitempty"`

	// Chat events
	Text     string `json:"text,omitempty"`     // delta (chunk) or final text (response/complete)
	Partial  string `json:"partial,omitempty"`  // running accumulated text on chunk events
	ToolName string `json:"tool_name,omitempty"`
	Token    string `json:"token,omitempty"` // correlation token on completion
}

// NewEvent returns a SessionEvent stamped with the current time.
func NewEvent(t EventType, agentID string) SessionEvent {
	return SessionEvent{Type: t, AgentID: agentID, At: time.Now()}
}
