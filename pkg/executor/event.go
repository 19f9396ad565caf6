package executor

import "time"

// Event represents an event emitted during turn execution.
type Event struct {
	Type string `json:"type"` // Event type discriminator
	// EventAt is when the event was created (UnixNano).
	EventAt int64 `json:"eventAt,omitempty"`

	// message_start/message_update/message_end
	Message *Message `json:"message,omitempty"`
	Delta   string   `json:"delta,omitempty"`

	// tool_execution_start/tool_execution_end
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	// turn_end: the messages produced by the finished turn only, never the
	// full history. Consumers must not replace their transcript with this.
	TurnMessages []Message `json:"turnMessages,omitempty"`

	// error / retry / compaction markers
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Event type constants.
const (
	EventTurnStart          = "turn_start"
	EventTurnEnd            = "turn_end"
	EventMessageStart       = "message_start"
	EventMessageUpdate      = "message_update"
	EventMessageEnd         = "message_end"
	EventToolExecutionStart = "tool_execution_start"
	EventToolExecutionEnd   = "tool_execution_end"
	EventAutoCompaction     = "auto_compaction"
	EventRetry              = "retry"
	EventError              = "error"
)

// NewTurnStartEvent creates a turn_start event.
func NewTurnStartEvent() Event {
	return Event{Type: EventTurnStart, EventAt: time.Now().UnixNano()}
}

// NewTurnEndEvent creates a turn_end event carrying the turn's own messages.
func NewTurnEndEvent(turnMessages []Message) Event {
	return Event{Type: EventTurnEnd, EventAt: time.Now().UnixNano(), TurnMessages: turnMessages}
}

// NewMessageStartEvent creates a message_start event.
func NewMessageStartEvent(message Message) Event {
	return Event{Type: EventMessageStart, EventAt: time.Now().UnixNano(), Message: &message}
}

// NewMessageUpdateEvent creates a message_update event with the accumulated message and delta.
func NewMessageUpdateEvent(message Message, delta string) Event {
	return Event{Type: EventMessageUpdate, EventAt: time.Now().UnixNano(), Message: &message, Delta: delta}
}

// NewMessageEndEvent creates a message_end event.
func NewMessageEndEvent(message Message) Event {
	return Event{Type: EventMessageEnd, EventAt: time.Now().UnixNano(), Message: &message}
}

// NewToolExecutionStartEvent creates a tool_execution_start event.
func NewToolExecutionStartEvent(toolCallID, toolName string, args map[string]any) Event {
	return Event{
		Type:       EventToolExecutionStart,
		EventAt:    time.Now().UnixNano(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
	}
}

// NewToolExecutionEndEvent creates a tool_execution_end event.
func NewToolExecutionEndEvent(toolCallID, toolName string, isError bool) Event {
	return Event{
		Type:       EventToolExecutionEnd,
		EventAt:    time.Now().UnixNano(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
	}
}

// NewErrorEvent creates an error event for a mid-turn failure. It is
// delivered to every connection watching the turn, unlike request errors.
func NewErrorEvent(errMsg string) Event {
	return Event{Type: EventError, EventAt: time.Now().UnixNano(), Error: errMsg}
}
