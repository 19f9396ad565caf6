package executor

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one committed entry in a conversation transcript.
// A message is never mutated in place once committed.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // UnixMilli
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Timestamp: time.Now().UnixMilli()}
}

// NewAssistantMessage creates an assistant message stamped with the current time.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text, Timestamp: time.Now().UnixMilli()}
}
