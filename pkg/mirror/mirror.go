// Package mirror maintains a client-side replica of one session's state by
// reducing the server's event stream. It also provides a reconnecting
// websocket client that keeps the replica converged across connection loss.
package mirror

import (
	"encoding/json"
	"sync"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/wire"
)

// State is an immutable view of the mirror at one point in time.
type State struct {
	SessionKey    string
	SessionID     string
	SessionName   string
	Model         *wire.ModelInfo
	ThinkingLevel string
	Streaming     bool
	Messages      []executor.Message
	// Partial is the assistant message currently being streamed, if any.
	Partial *executor.Message
	// PendingTools holds tool call ids started but not yet finished.
	PendingTools []string
	LastError    string
}

// Mirror reduces server events into a local session replica.
//
// The transcript is only ever mutated by message lifecycle events and by
// Reset; turn_end carries the turn's own messages and must not replace the
// accumulated history, so the reducer ignores its payload.
type Mirror struct {
	mu            sync.Mutex
	sessionKey    string
	sessionID     string
	sessionName   string
	model         *wire.ModelInfo
	thinkingLevel string
	streaming     bool
	messages      []executor.Message
	partial       *executor.Message
	pendingTools  map[string]bool
	lastError     string
	expectedCount int
	revision      int64
	dirty         bool
}

// New creates an empty mirror.
func New() *Mirror {
	return &Mirror{pendingTools: make(map[string]bool), expectedCount: -1}
}

// envelope is the minimal decode needed to classify a server payload.
type envelope struct {
	Type string `json:"type"`
}

// Apply reduces one raw server payload into the mirror. It returns true
// when the replica may have diverged from the server and the caller should
// issue a full message resync.
func (m *Mirror) Apply(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}

	switch env.Type {
	case wire.TypeStateSync:
		var sync wire.StateSync
		if err := json.Unmarshal(raw, &sync); err != nil {
			return false
		}
		return m.applyStateSync(sync)
	case wire.TypeResponse, wire.TypeCommandResult:
		// Request-scoped payloads carry no session state.
		return false
	default:
		var event executor.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return false
		}
		m.applyEvent(event)
		return false
	}
}

// applyStateSync overwrites every scalar the snapshot carries and drops all
// in-flight state, so a snapshot plus a transcript fully determines the
// replica no matter what it held before. A snapshot for a different session
// also clears the transcript; the message count or a transcript revision
// bump then tells the caller to resync.
func (m *Mirror) applyStateSync(sync wire.StateSync) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sync.SessionKey != m.sessionKey {
		m.messages = nil
	}
	m.partial = nil
	m.pendingTools = make(map[string]bool)
	m.lastError = ""
	m.sessionKey = sync.SessionKey
	m.sessionID = sync.SessionID
	m.sessionName = sync.SessionName
	m.model = sync.Model
	m.thinkingLevel = sync.ThinkingLevel
	m.streaming = sync.IsStreaming
	m.expectedCount = sync.MessageCount

	// A revision change means the transcript was rewritten in place, which
	// a bare count comparison can miss.
	diverged := sync.MessageCount != len(m.messages) || sync.Revision != m.revision
	m.revision = sync.Revision
	m.dirty = diverged
	return diverged
}

func (m *Mirror) applyEvent(event executor.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case executor.EventTurnStart:
		m.streaming = true
		m.lastError = ""
	case executor.EventTurnEnd:
		m.streaming = false
		m.partial = nil
		m.pendingTools = make(map[string]bool)
	case executor.EventMessageStart:
		if event.Message == nil {
			return
		}
		msg := *event.Message
		if msg.Role == executor.RoleAssistant {
			m.partial = &msg
			return
		}
		// Non-assistant messages are final at start. Committing here keeps
		// them even when an assistant stream opens before their end event
		// arrives.
		m.commitLocked(msg)
	case executor.EventMessageUpdate:
		if event.Message != nil && event.Message.Role == executor.RoleAssistant {
			msg := *event.Message
			m.partial = &msg
		}
	case executor.EventMessageEnd:
		if event.Message != nil && event.Message.Role == executor.RoleAssistant {
			m.commitLocked(*event.Message)
		}
		m.partial = nil
	case executor.EventToolExecutionStart:
		if event.ToolCallID != "" {
			m.pendingTools[event.ToolCallID] = true
		}
	case executor.EventToolExecutionEnd:
		delete(m.pendingTools, event.ToolCallID)
	case executor.EventError:
		m.lastError = event.Error
		m.streaming = false
	}
}

func (m *Mirror) commitLocked(msg executor.Message) {
	m.messages = append(m.messages, msg)
	if m.expectedCount >= 0 {
		m.expectedCount++
	}
}

// SetMessages replaces the transcript wholesale. Used after a get_messages
// resync; lifecycle events received afterwards append as usual.
func (m *Mirror) SetMessages(messages []executor.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append([]executor.Message(nil), messages...)
	m.expectedCount = len(m.messages)
	m.dirty = false
}

// diverged reports whether the replica still awaits a transcript resync.
func (m *Mirror) diverged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Reset clears the mirror to its empty state.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionKey = ""
	m.sessionID = ""
	m.sessionName = ""
	m.model = nil
	m.thinkingLevel = ""
	m.streaming = false
	m.messages = nil
	m.partial = nil
	m.pendingTools = make(map[string]bool)
	m.lastError = ""
	m.expectedCount = -1
	m.revision = 0
	m.dirty = false
}

// Snapshot returns a copy of the current replica.
func (m *Mirror) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := State{
		SessionKey:    m.sessionKey,
		SessionID:     m.sessionID,
		SessionName:   m.sessionName,
		Model:         m.model,
		ThinkingLevel: m.thinkingLevel,
		Streaming:     m.streaming,
		Messages:      append([]executor.Message(nil), m.messages...),
		LastError:     m.lastError,
	}
	if m.partial != nil {
		msg := *m.partial
		state.Partial = &msg
	}
	for id := range m.pendingTools {
		state.PendingTools = append(state.PendingTools, id)
	}
	return state
}
