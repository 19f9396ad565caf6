// Package executor defines the turn executor contract consumed by the
// session broker, plus a scripted implementation used in tests and demos.
// A turn executor runs one conversational turn at a time and streams typed
// lifecycle events to its subscribers.
package executor

import "errors"

// ErrTurnInProgress is returned when a second turn is attempted while one is
// already streaming. Callers should steer or queue a follow-up instead.
var ErrTurnInProgress = errors.New("turn already in progress")

// PromptOptions carries per-turn configuration.
type PromptOptions struct {
	Model         string
	ThinkingLevel string
}

// TurnExecutor runs conversational turns against one session's transcript.
//
// Implementations must guarantee that only one turn streams at a time:
// Prompt during a running turn fails with ErrTurnInProgress. Abort is
// idempotent and returns after any in-flight turn has stopped emitting.
type TurnExecutor interface {
	// Prompt starts a new turn for the given input. The turn runs
	// asynchronously; its lifecycle is observable via Subscribe.
	Prompt(text string, opts PromptOptions) error

	// Steer redirects the currently running turn with new input.
	Steer(text string)

	// FollowUp queues input to run as a new turn after the current one ends.
	FollowUp(text string) error

	// Abort stops the in-flight turn, if any, and waits for it to finish
	// emitting. Aborting an idle executor is a no-op.
	Abort() error

	// Subscribe registers an event sink and returns its unsubscribe
	// function. Events are delivered to all sinks in emission order.
	Subscribe(sink func(Event)) (unsubscribe func())

	// Streaming reports whether a turn is currently in flight.
	Streaming() bool

	// Close aborts any in-flight turn and releases resources. The executor
	// must not emit events after Close returns.
	Close() error
}

// Factory constructs a fresh executor for a session. The pool calls it once
// per materialized session; the single-flight open guarantees at most one
// executor instance per session key.
type Factory func(sessionKey string) TurnExecutor
