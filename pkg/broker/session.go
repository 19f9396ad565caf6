package broker

import (
	"errors"
	"strings"
	"sync"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/wire"
)

// ErrQueuedFollowUp reports that a prompt could not start a new turn and was
// folded into the running one instead. The input is already appended and
// must not be appended again.
var ErrQueuedFollowUp = errors.New("input queued as follow-up")

// Session pairs one durable record with one live turn executor. It owns the
// authoritative message list and an observer registry; every event reaches
// all observers in emission order.
//
// All appends, whether from a completed turn or an injection, go through the
// same locked path, so transcript ordering is never ambiguous even with
// multiple connections mutating the session concurrently.
type Session struct {
	mu     sync.Mutex
	record *store.Record
	exec   executor.TurnExecutor

	model     *wire.ModelInfo
	thinking  string
	streaming bool
	pending   map[string]struct{}
	// revision counts in-place transcript rewrites (compaction). Appends
	// are visible through the message count; rewrites are not.
	revision int64

	observers map[int]func(any)
	nextObs   int
	unsubExec func()
	closed    bool
}

// NewSession wraps a record and executor. It subscribes to the executor's
// event stream immediately; events flow to observers as they are attached.
func NewSession(record *store.Record, exec executor.TurnExecutor, model *wire.ModelInfo, thinking string) *Session {
	s := &Session{
		record:    record,
		exec:      exec,
		model:     model,
		thinking:  thinking,
		pending:   make(map[string]struct{}),
		observers: make(map[int]func(any)),
	}
	s.unsubExec = exec.Subscribe(s.handleExecutorEvent)
	return s
}

// Key returns the session's durable key.
func (s *Session) Key() string { return s.record.Key() }

// ID returns the session's id.
func (s *Session) ID() string { return s.record.ID() }

// Name returns the session's human-readable name.
func (s *Session) Name() string { return s.record.Name() }

// Messages returns the committed transcript.
func (s *Session) Messages() []executor.Message {
	return s.record.Messages()
}

// Snapshot builds a state_sync payload for the session's current state.
func (s *Session) Snapshot() wire.StateSync {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() wire.StateSync {
	sync := wire.NewStateSync()
	sync.SessionKey = s.record.Key()
	sync.SessionID = s.record.ID()
	sync.SessionName = s.record.Name()
	sync.Model = s.model
	sync.ThinkingLevel = s.thinking
	sync.IsStreaming = s.streaming
	sync.MessageCount = len(s.record.Messages())
	sync.Revision = s.revision
	return sync
}

// Attach registers an observer and, while still holding the session lock,
// delivers a state snapshot and the full message history to it. Holding the
// lock across registration and delivery guarantees the observer never sees a
// live event before the snapshot+history pair.
func (s *Session) Attach(sink func(any)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = sink

	sink(s.snapshotLocked())
	sink(wire.Response{
		Type:    wire.TypeResponse,
		Command: wire.CommandGetMessages,
		Success: true,
		Data:    map[string]any{"messages": s.record.Messages()},
	})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Subscribe registers an observer without the snapshot+history handshake.
func (s *Session) Subscribe(sink func(any)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = sink
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// publishLocked delivers v to every observer in registration order.
func (s *Session) publishLocked(v any) {
	for id := 0; id < s.nextObs; id++ {
		if sink, ok := s.observers[id]; ok {
			sink(v)
		}
	}
}

// handleExecutorEvent folds one executor event into session state, persists
// committed assistant messages, and fans the event out to observers.
func (s *Session) handleExecutorEvent(event executor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch event.Type {
	case executor.EventTurnStart:
		s.streaming = true
	case executor.EventTurnEnd:
		s.streaming = false
		for id := range s.pending {
			delete(s.pending, id)
		}
	case executor.EventMessageEnd:
		// Commit the finished assistant message before fan-out so a client
		// fetching history right after message_end cannot miss it.
		if event.Message != nil && event.Message.Role == executor.RoleAssistant {
			if err := s.record.AppendMessage(*event.Message); err != nil {
				s.publishLocked(executor.NewErrorEvent("failed to persist message: " + err.Error()))
			}
		}
	case executor.EventToolExecutionStart:
		if event.ToolCallID != "" {
			s.pending[event.ToolCallID] = struct{}{}
		}
	case executor.EventToolExecutionEnd:
		delete(s.pending, event.ToolCallID)
	}

	s.publishLocked(event)
}

// Append commits a message outside any turn and broadcasts it as an
// already-final message_start/message_end pair. This is the injection path
// used by claimed handler replies and out-of-band posts; it shares its lock
// with the turn path, so interleaved appends stay totally ordered.
func (s *Session) Append(msg executor.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Session) appendLocked(msg executor.Message) error {
	if err := s.record.AppendMessage(msg); err != nil {
		return err
	}
	s.publishLocked(executor.NewMessageStartEvent(msg))
	s.publishLocked(executor.NewMessageEndEvent(msg))
	return nil
}

// AppendPair commits two messages back to back under one lock acquisition,
// guaranteeing no turn or concurrent append lands between them.
func (s *Session) AppendPair(first, second executor.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(first); err != nil {
		return err
	}
	return s.appendLocked(second)
}

// Prompt appends the user message and starts a turn. A second prompt while
// one is streaming fails with ErrTurnInProgress; use Steer or FollowUp.
func (s *Session) Prompt(text string) error {
	s.mu.Lock()
	if s.streaming || s.exec.Streaming() {
		s.mu.Unlock()
		return executor.ErrTurnInProgress
	}
	if err := s.appendLocked(executor.NewUserMessage(text)); err != nil {
		s.mu.Unlock()
		return err
	}
	opts := executor.PromptOptions{ThinkingLevel: s.thinking}
	if s.model != nil {
		opts.Model = s.model.ID
	}
	s.mu.Unlock()

	if err := s.exec.Prompt(text, opts); err != nil {
		if errors.Is(err, executor.ErrTurnInProgress) {
			// The executor refused after the message was committed. Fold
			// the input into the running turn rather than losing it or
			// letting a retry append it twice.
			if ferr := s.exec.FollowUp(text); ferr == nil {
				return ErrQueuedFollowUp
			}
		}
		return err
	}
	return nil
}

// Steer redirects the running turn.
func (s *Session) Steer(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	_ = s.Append(executor.NewUserMessage(text))
	s.exec.Steer(text)
}

// FollowUp queues input to run after the current turn.
func (s *Session) FollowUp(text string) error {
	if err := s.Append(executor.NewUserMessage(text)); err != nil {
		return err
	}
	return s.exec.FollowUp(text)
}

// Abort stops the in-flight turn. Aborting an idle session is a no-op.
func (s *Session) Abort() error {
	return s.exec.Abort()
}

// Streaming reports whether a turn is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// PendingToolCalls returns the ids of tool calls currently running.
func (s *Session) PendingToolCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Rename sets the session name and broadcasts a fresh snapshot.
func (s *Session) Rename(name string) error {
	if err := s.record.SetName(name); err != nil {
		return err
	}
	s.broadcastSnapshot()
	return nil
}

// Export writes the transcript to path.
func (s *Session) Export(path string) error {
	return s.record.Export(path)
}

// Compact truncates history to the most recent keepRecent messages plus a
// summary entry, then broadcasts a fresh snapshot. No turn executor runs.
func (s *Session) Compact(keepRecent int, summary string) (int, error) {
	dropped, err := s.record.Compact(keepRecent, summary)
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		s.mu.Lock()
		s.revision++
		s.publishLocked(s.snapshotLocked())
		s.mu.Unlock()
	}
	return dropped, nil
}

// SetModel switches the session's model and broadcasts a fresh snapshot.
func (s *Session) SetModel(model wire.ModelInfo) {
	s.mu.Lock()
	s.model = &model
	s.mu.Unlock()
	s.broadcastSnapshot()
}

// Model returns the session's current model, if any.
func (s *Session) Model() *wire.ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetThinkingLevel switches the thinking level and broadcasts a snapshot.
func (s *Session) SetThinkingLevel(level string) {
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	s.broadcastSnapshot()
}

// ThinkingLevel returns the current thinking level.
func (s *Session) ThinkingLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

func (s *Session) broadcastSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(s.snapshotLocked())
}

// Publish delivers an arbitrary payload to every observer.
func (s *Session) Publish(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(v)
}

// Close aborts any in-flight turn, waits for it, tears down the executor,
// and clears all observers. The session must not be used afterwards.
func (s *Session) Close() error {
	if err := s.exec.Abort(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsubExec
	s.observers = make(map[int]func(any))
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return s.exec.Close()
}
