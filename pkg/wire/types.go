package wire

import "encoding/json"

// Command represents a message received from a client connection.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"` // For convenience, direct message field
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response represents a reply sent to the requesting connection only.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CommandResult is the scoped outcome of a structural or extension command.
type CommandResult struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Inbound command type constants.
const (
	CommandInput              = "input"
	CommandPrompt             = "prompt"
	CommandCommand            = "command"
	CommandSteer              = "steer"
	CommandFollowUp           = "follow_up"
	CommandAbort              = "abort"
	CommandGetState           = "get_state"
	CommandGetMessages        = "get_messages"
	CommandGetCommands        = "get_commands"
	CommandSetModel           = "set_model"
	CommandSetThinkingLevel   = "set_thinking_level"
	CommandGetAvailableModels = "get_available_models"
	CommandListSessions       = "list_sessions"
	CommandNewSession         = "new_session"
	CommandSwitchSession      = "switch_session"
	CommandRenameSession      = "rename_session"
	CommandDeleteSession      = "delete_session"
	CommandPing               = "ping"
)

// Outbound message type constants. Turn executor events pass through with
// their own type discriminators and are not listed here.
const (
	TypeResponse      = "response"
	TypeCommandResult = "command_result"
	TypeStateSync     = "state_sync"
)

// StateSync is the bulk snapshot sent to a connection after (re)binding and
// whenever scalar session state changes. Applying it is idempotent.
type StateSync struct {
	Type          string     `json:"type"`
	SessionKey    string     `json:"sessionKey"`
	SessionID     string     `json:"sessionId"`
	SessionName   string     `json:"sessionName,omitempty"`
	Model         *ModelInfo `json:"model,omitempty"`
	ThinkingLevel string     `json:"thinkingLevel"`
	IsStreaming   bool       `json:"isStreaming"`
	MessageCount  int        `json:"messageCount"`
	// Revision increments whenever the transcript is rewritten in place,
	// so replicas can detect rewrites the message count alone would hide.
	Revision int64 `json:"revision"`
}

// NewStateSync constructs a state_sync payload.
func NewStateSync() StateSync {
	return StateSync{Type: TypeStateSync}
}

// SessionDescriptor is the metadata returned by list_sessions. It is built
// from the durable store, so it covers sessions never materialized in-process.
type SessionDescriptor struct {
	Key          string `json:"path"`
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Created      int64  `json:"created"`
	Modified     int64  `json:"modified"`
	MessageCount int    `json:"messageCount"`
	FirstMessage string `json:"firstMessage,omitempty"`
}

// ModelInfo describes a selectable model for clients.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Reasoning     bool   `json:"reasoning"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	MaxTokens     int    `json:"maxTokens,omitempty"`
}

// SlashCommand describes an available structural or extension command.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}

// Thinking level constants, in cycle order.
var ThinkingLevels = []string{"off", "low", "medium", "high"}

// ValidThinkingLevel reports whether level is a known thinking level.
func ValidThinkingLevel(level string) bool {
	for _, l := range ThinkingLevels {
		if l == level {
			return true
		}
	}
	return false
}
