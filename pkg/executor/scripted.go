package executor

import (
	"context"
	"strings"
	"sync"
)

// ReplyFunc produces the assistant reply for a given user input.
type ReplyFunc func(input string) string

// Scripted is a deterministic TurnExecutor. It streams a scripted reply as
// message_update chunks, which makes event ordering and broker fan-out
// testable without a model behind it. It also serves as the demo backend.
type Scripted struct {
	mu        sync.Mutex
	reply     ReplyFunc
	chunkSize int
	streaming bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	followUps chan string

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	closed bool
}

// ScriptedOption configures a Scripted executor.
type ScriptedOption func(*Scripted)

// WithReply sets the reply function. Default echoes the input.
func WithReply(fn ReplyFunc) ScriptedOption {
	return func(s *Scripted) { s.reply = fn }
}

// WithChunkSize sets how many bytes each message_update carries.
func WithChunkSize(n int) ScriptedOption {
	return func(s *Scripted) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// NewScripted creates a scripted executor.
func NewScripted(opts ...ScriptedOption) *Scripted {
	s := &Scripted{
		reply:     func(input string) string { return "echo: " + input },
		chunkSize: 16,
		followUps: make(chan string, 16),
		subs:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an event sink and returns its unsubscribe function.
func (s *Scripted) Subscribe(sink func(Event)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sink
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// emit delivers an event to all sinks in subscription order.
func (s *Scripted) emit(event Event) {
	s.subMu.Lock()
	sinks := make([]func(Event), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if sink, ok := s.subs[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	s.subMu.Unlock()
	for _, sink := range sinks {
		sink(event)
	}
}

// Prompt starts a scripted turn. A second Prompt while streaming fails with
// ErrTurnInProgress.
func (s *Scripted) Prompt(text string, opts PromptOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	if s.streaming {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.streaming = true
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, text)

		// Drain queued follow-ups before going idle.
		for {
			select {
			case next := <-s.followUps:
				if ctx.Err() != nil {
					s.finish()
					return
				}
				s.runTurn(ctx, next)
			default:
				s.finish()
				return
			}
		}
	}()
	return nil
}

func (s *Scripted) finish() {
	s.mu.Lock()
	s.streaming = false
	s.cancel = nil
	s.mu.Unlock()
}

// runTurn emits the full event sequence for one turn.
func (s *Scripted) runTurn(ctx context.Context, input string) {
	s.emit(NewTurnStartEvent())

	full := s.reply(input)
	msg := Message{Role: RoleAssistant}
	s.emit(NewMessageStartEvent(msg))

	var b strings.Builder
	for i := 0; i < len(full); i += s.chunkSize {
		if ctx.Err() != nil {
			break
		}
		end := i + s.chunkSize
		if end > len(full) {
			end = len(full)
		}
		delta := full[i:end]
		b.WriteString(delta)
		msg.Content = b.String()
		s.emit(NewMessageUpdateEvent(msg, delta))
	}

	final := NewAssistantMessage(b.String())
	s.emit(NewMessageEndEvent(final))
	s.emit(NewTurnEndEvent([]Message{final}))
}

// Steer aborts the running turn and starts a new one with the given input.
// If no turn is running it behaves like Prompt.
func (s *Scripted) Steer(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	_ = s.Abort()
	if err := s.Prompt(text, PromptOptions{}); err != nil {
		_ = s.FollowUp(text)
	}
}

// FollowUp queues input to run after the current turn completes.
func (s *Scripted) FollowUp(text string) error {
	select {
	case s.followUps <- text:
		return nil
	default:
		return ErrTurnInProgress
	}
}

// Abort cancels the in-flight turn and waits for it to stop emitting.
// Aborting an idle executor is a no-op.
func (s *Scripted) Abort() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Streaming reports whether a turn is in flight.
func (s *Scripted) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Close aborts and prevents further turns.
func (s *Scripted) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Abort()
}

var _ TurnExecutor = (*Scripted)(nil)
