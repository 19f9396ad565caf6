package mirror

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/wire"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return data
}

func syncPayload(key string, count int, streaming bool) wire.StateSync {
	s := wire.NewStateSync()
	s.SessionKey = key
	s.SessionID = "id-" + key
	s.SessionName = "name"
	s.ThinkingLevel = "off"
	s.IsStreaming = streaming
	s.MessageCount = count
	return s
}

func TestMirrorStateSyncIdempotent(t *testing.T) {
	m := New()
	payload := encode(t, syncPayload("s1", 0, false))

	if resync := m.Apply(payload); resync {
		t.Error("Matching count should not request resync")
	}
	before := m.Snapshot()
	if resync := m.Apply(payload); resync {
		t.Error("Reapplying the same snapshot should not request resync")
	}
	after := m.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("Snapshot application not idempotent:\nbefore %+v\nafter  %+v", before, after)
	}
	if after.SessionKey != "s1" || after.ThinkingLevel != "off" {
		t.Errorf("Scalars not applied: %+v", after)
	}
}

func TestMirrorStateSyncCountMismatchRequestsResync(t *testing.T) {
	m := New()
	if resync := m.Apply(encode(t, syncPayload("s1", 3, false))); !resync {
		t.Error("Count ahead of local transcript should request resync")
	}

	m.SetMessages([]executor.Message{
		executor.NewUserMessage("a"),
		executor.NewAssistantMessage("b"),
		executor.NewUserMessage("c"),
	})
	if resync := m.Apply(encode(t, syncPayload("s1", 3, false))); resync {
		t.Error("Converged transcript should not request resync")
	}
}

func TestMirrorSessionChangeClearsTranscript(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, false)))
	hello := executor.NewUserMessage("hello")
	m.Apply(encode(t, executor.NewMessageStartEvent(hello)))
	m.Apply(encode(t, executor.NewMessageEndEvent(hello)))

	if got := len(m.Snapshot().Messages); got != 1 {
		t.Fatalf("Expected 1 message, got %d", got)
	}

	// A snapshot for a different session wipes the transcript.
	if resync := m.Apply(encode(t, syncPayload("s2", 2, false))); !resync {
		t.Error("Switch to a populated session should request resync")
	}
	state := m.Snapshot()
	if state.SessionKey != "s2" {
		t.Errorf("Expected session s2, got %s", state.SessionKey)
	}
	if len(state.Messages) != 0 {
		t.Errorf("Transcript not cleared on session change: %d messages", len(state.Messages))
	}
}

func TestMirrorMessageLifecycle(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, false)))

	m.Apply(encode(t, executor.NewTurnStartEvent()))
	if !m.Snapshot().Streaming {
		t.Error("Expected streaming after turn_start")
	}

	partial := executor.Message{Role: executor.RoleAssistant, Content: "hel"}
	m.Apply(encode(t, executor.NewMessageStartEvent(executor.Message{Role: executor.RoleAssistant})))
	m.Apply(encode(t, executor.NewMessageUpdateEvent(partial, "hel")))

	state := m.Snapshot()
	if state.Partial == nil || state.Partial.Content != "hel" {
		t.Errorf("Expected in-flight partial 'hel', got %+v", state.Partial)
	}
	if len(state.Messages) != 0 {
		t.Error("Partial must not be committed to the transcript")
	}

	final := executor.NewAssistantMessage("hello")
	m.Apply(encode(t, executor.NewMessageEndEvent(final)))
	m.Apply(encode(t, executor.NewTurnEndEvent([]executor.Message{final})))

	state = m.Snapshot()
	if state.Streaming {
		t.Error("Expected streaming off after turn_end")
	}
	if state.Partial != nil {
		t.Error("Partial not cleared after message_end")
	}
	if len(state.Messages) != 1 || state.Messages[0].Content != "hello" {
		t.Errorf("Unexpected transcript: %+v", state.Messages)
	}
}

func TestMirrorUserMessageCommitsAtStart(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, false)))

	// User messages are final when they start; only assistant streams.
	question := executor.NewUserMessage("what changed?")
	m.Apply(encode(t, executor.NewMessageStartEvent(question)))

	state := m.Snapshot()
	if len(state.Messages) != 1 || state.Messages[0].Content != "what changed?" {
		t.Fatalf("User message not committed at start: %+v", state.Messages)
	}
	if state.Partial != nil {
		t.Error("User message must not occupy the in-flight slot")
	}

	// The assistant stream may open before the user end event arrives.
	m.Apply(encode(t, executor.NewMessageStartEvent(executor.Message{Role: executor.RoleAssistant})))
	answer := executor.NewAssistantMessage("the parser")
	m.Apply(encode(t, executor.NewMessageEndEvent(answer)))
	m.Apply(encode(t, executor.NewMessageEndEvent(question)))

	state = m.Snapshot()
	if len(state.Messages) != 2 {
		t.Fatalf("Expected user and assistant messages, got %+v", state.Messages)
	}
	if state.Messages[0].Role != executor.RoleUser || state.Messages[1].Role != executor.RoleAssistant {
		t.Errorf("Unexpected roles: %+v", state.Messages)
	}
	if state.Partial != nil {
		t.Error("In-flight slot not cleared")
	}
}

func TestMirrorSnapshotClearsInFlightState(t *testing.T) {
	dirty := New()
	dirty.Apply(encode(t, syncPayload("s1", 0, true)))
	dirty.Apply(encode(t, executor.NewTurnStartEvent()))
	dirty.Apply(encode(t, executor.NewMessageStartEvent(executor.Message{Role: executor.RoleAssistant, Content: "hal"})))
	dirty.Apply(encode(t, executor.NewToolExecutionStartEvent("tc1", "search", nil)))
	dirty.Apply(encode(t, executor.NewErrorEvent("transient")))

	history := []executor.Message{
		executor.NewUserMessage("q"),
		executor.NewAssistantMessage("a"),
	}
	payload := encode(t, syncPayload("s1", 2, false))

	dirty.Apply(payload)
	dirty.SetMessages(history)

	fresh := New()
	fresh.Apply(payload)
	fresh.SetMessages(history)

	if !reflect.DeepEqual(dirty.Snapshot(), fresh.Snapshot()) {
		t.Errorf("Snapshot+history must fully determine the replica:\ndirty %+v\nfresh %+v",
			dirty.Snapshot(), fresh.Snapshot())
	}
}

func TestMirrorRevisionBumpRequestsResync(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 2, false)))
	m.SetMessages([]executor.Message{
		executor.NewUserMessage("q"),
		executor.NewAssistantMessage("a"),
	})

	// A rewrite can leave the count unchanged; the revision still moves.
	rewritten := syncPayload("s1", 2, false)
	rewritten.Revision = 1
	if resync := m.Apply(encode(t, rewritten)); !resync {
		t.Fatal("Revision bump with equal counts should request resync")
	}

	m.SetMessages([]executor.Message{
		{Role: executor.RoleSystem, Content: "summary"},
		executor.NewAssistantMessage("a"),
	})
	if resync := m.Apply(encode(t, rewritten)); resync {
		t.Error("Converged replica should not request another resync")
	}
}

func TestMirrorTurnEndDoesNotReplaceTranscript(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, false)))
	m.SetMessages([]executor.Message{
		executor.NewUserMessage("old question"),
		executor.NewAssistantMessage("old answer"),
	})

	// turn_end carries only the turn's messages; applying it must not shrink
	// the accumulated history.
	turnOnly := []executor.Message{executor.NewAssistantMessage("new answer")}
	m.Apply(encode(t, executor.NewTurnEndEvent(turnOnly)))

	state := m.Snapshot()
	if len(state.Messages) != 2 {
		t.Errorf("turn_end replaced the transcript: %d messages", len(state.Messages))
	}
}

func TestMirrorToolTracking(t *testing.T) {
	m := New()
	m.Apply(encode(t, executor.NewToolExecutionStartEvent("t1", "search", nil)))
	m.Apply(encode(t, executor.NewToolExecutionStartEvent("t2", "read", nil)))

	if got := len(m.Snapshot().PendingTools); got != 2 {
		t.Fatalf("Expected 2 pending tools, got %d", got)
	}

	m.Apply(encode(t, executor.NewToolExecutionEndEvent("t1", "search", false)))
	state := m.Snapshot()
	if len(state.PendingTools) != 1 || state.PendingTools[0] != "t2" {
		t.Errorf("Unexpected pending tools: %v", state.PendingTools)
	}

	// turn_end clears whatever is still pending.
	m.Apply(encode(t, executor.NewTurnEndEvent(nil)))
	if got := len(m.Snapshot().PendingTools); got != 0 {
		t.Errorf("Expected pending tools cleared, got %d", got)
	}
}

func TestMirrorErrorEvent(t *testing.T) {
	m := New()
	m.Apply(encode(t, executor.NewTurnStartEvent()))
	m.Apply(encode(t, executor.NewErrorEvent("model unavailable")))

	state := m.Snapshot()
	if state.LastError != "model unavailable" {
		t.Errorf("Expected last error recorded, got %q", state.LastError)
	}
	if state.Streaming {
		t.Error("Expected streaming off after error")
	}

	// The next turn clears the stale error.
	m.Apply(encode(t, executor.NewTurnStartEvent()))
	if m.Snapshot().LastError != "" {
		t.Error("Expected error cleared on turn_start")
	}
}

func TestMirrorIgnoresRequestScopedPayloads(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, false)))
	before := m.Snapshot()

	m.Apply(encode(t, wire.Response{Type: wire.TypeResponse, Command: "ping", Success: true}))
	m.Apply(encode(t, wire.CommandResult{Type: wire.TypeCommandResult, Command: "rename", Success: true}))
	m.Apply([]byte("{not json"))

	if !reflect.DeepEqual(before, m.Snapshot()) {
		t.Error("Request-scoped payloads must not change mirror state")
	}
}

func TestMirrorReset(t *testing.T) {
	m := New()
	m.Apply(encode(t, syncPayload("s1", 0, true)))
	m.SetMessages([]executor.Message{executor.NewUserMessage("x")})
	m.Reset()

	state := m.Snapshot()
	if state.SessionKey != "" || len(state.Messages) != 0 || state.Streaming {
		t.Errorf("Reset left residual state: %+v", state)
	}
}
