package router

import (
	"fmt"
	"sort"
	"sync"
)

// ExtensionCommand is a dynamically registered command invoked by name.
// It runs with a restricted context: anything it notifies is captured and
// folded into the single scoped result rather than broadcast.
type ExtensionCommand interface {
	Name() string
	Description() string
	Run(ctx *ExtensionContext, args string) (output string, err error)
}

// ExtensionContext is the restricted execution context handed to extension
// commands. Its notification side-channel accumulates instead of emitting.
type ExtensionContext struct {
	mu    sync.Mutex
	notes []string
}

// NewExtensionContext creates an empty context.
func NewExtensionContext() *ExtensionContext {
	return &ExtensionContext{}
}

// Notify records a progress note. Notes are returned to the invoking
// connection as part of the command result, never broadcast.
func (c *ExtensionContext) Notify(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, text)
}

// Notifications returns the accumulated notes in order.
func (c *ExtensionContext) Notifications() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.notes))
	copy(out, c.notes)
	return out
}

// ExtensionRegistry holds named extension commands. Reload is a full
// replace, mirroring the handler registry.
type ExtensionRegistry struct {
	mu       sync.RWMutex
	commands map[string]ExtensionCommand
}

// NewExtensionRegistry creates an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{commands: make(map[string]ExtensionCommand)}
}

// Replace installs a new command set atomically.
func (r *ExtensionRegistry) Replace(commands []ExtensionCommand) {
	next := make(map[string]ExtensionCommand, len(commands))
	for _, cmd := range commands {
		next[cmd.Name()] = cmd
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = next
}

// Register adds or overwrites a single command.
func (r *ExtensionRegistry) Register(cmd ExtensionCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name()] = cmd
}

// Get looks up a command by name.
func (r *ExtensionRegistry) Get(name string) (ExtensionCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// All returns every command, sorted by name for deterministic listings.
func (r *ExtensionRegistry) All() []ExtensionCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExtensionCommand, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// runExtensionSafely invokes an extension command, converting a panic into
// an error so the failure stays scoped to the invoking connection.
func runExtensionSafely(cmd ExtensionCommand, ctx *ExtensionContext, args string) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			output = ""
			err = fmt.Errorf("extension command panic: %v", rec)
		}
	}()
	return cmd.Run(ctx, args)
}
