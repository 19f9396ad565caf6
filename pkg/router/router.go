// Package router classifies inbound text as structural commands, extension
// commands, skill expansions, or free-form input, and runs the pluggable
// handler chain for the latter. Structural and extension commands execute
// against the session directly and never touch the turn executor.
package router

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/skill"
	"github.com/parley-ai/parley/pkg/wire"
)

// ErrUnknownCommand is returned for prefixed input that matches no
// structural command, extension command, or skill.
var ErrUnknownCommand = errors.New("unknown command")

// defaultCompactKeep is how many recent messages /compact retains.
const defaultCompactKeep = 10

// Session is the capability surface the router needs from a bound session.
// *broker.Session satisfies it.
type Session interface {
	Key() string
	ID() string
	Name() string
	Messages() []executor.Message
	Streaming() bool
	AppendPair(first, second executor.Message) error
	Rename(name string) error
	Export(path string) error
	Compact(keepRecent int, summary string) (int, error)
}

// Outcome is the result of classifying and dispatching one input.
// Exactly one of the three cases applies: a scoped Result, a claimed input
// (already appended), or a Prompt to forward to the turn executor.
type Outcome struct {
	Result  *wire.CommandResult
	Claimed bool
	Prompt  string
}

// Router dispatches inbound text for a session.
type Router struct {
	extensions *ExtensionRegistry
	handlers   *HandlerRegistry
	skills     []skill.Skill
	log        *logger.Logger
}

// New creates a router. The skills slice may be nil.
func New(skills []skill.Skill, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Router{
		extensions: NewExtensionRegistry(),
		handlers:   NewHandlerRegistry(),
		skills:     skills,
		log:        log,
	}
}

// Extensions returns the extension command registry.
func (r *Router) Extensions() *ExtensionRegistry { return r.extensions }

// Handlers returns the free-form handler registry.
func (r *Router) Handlers() *HandlerRegistry { return r.handlers }

// Commands lists every command a client can invoke: builtins, extensions,
// and skills.
func (r *Router) Commands() []wire.SlashCommand {
	commands := []wire.SlashCommand{
		{Name: "rename", Description: "Rename the current session", Source: "builtin"},
		{Name: "export", Description: "Export the transcript to a file", Source: "builtin"},
		{Name: "compact", Description: "Compact older history into a summary", Source: "builtin"},
		{Name: "session", Description: "Show current session info", Source: "builtin"},
	}
	for _, cmd := range r.extensions.All() {
		commands = append(commands, wire.SlashCommand{
			Name:        cmd.Name(),
			Description: cmd.Description(),
			Source:      "extension",
		})
	}
	for _, sk := range r.skills {
		commands = append(commands, wire.SlashCommand{
			Name:        "skill:" + sk.Name,
			Description: sk.Description,
			Source:      "skill",
		})
	}
	return commands
}

// Dispatch classifies input and executes everything short of a model turn.
// For free-form input it runs the handler chain; a claimed input is appended
// together with the handler's reply before Dispatch returns.
func (r *Router) Dispatch(sess Session, input string) Outcome {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "/") {
		return r.dispatchCommand(sess, trimmed)
	}
	return r.dispatchFreeForm(sess, input)
}

// dispatchCommand handles prefixed input. Classification order: structural
// builtins, registered extensions, skill expansion, then unknown.
func (r *Router) dispatchCommand(sess Session, trimmed string) Outcome {
	name, args := splitCommand(trimmed)

	switch name {
	case "rename":
		return r.runRename(sess, args)
	case "export":
		return r.runExport(sess, args)
	case "compact":
		return r.runCompact(sess)
	case "session":
		return r.runInfo(sess)
	}

	if cmd, ok := r.extensions.Get(name); ok {
		return r.runExtension(cmd, args)
	}

	if skillName, ok := strings.CutPrefix(name, "skill:"); ok && skillName != "" {
		// Skill expansion needs model reasoning, so the rewritten text is
		// handed to the turn executor rather than handled here.
		if expanded, found := skill.Expand(skillName, args, r.skills); found {
			return Outcome{Prompt: expanded}
		}
	}

	return r.unknownCommand(name)
}

func (r *Router) unknownCommand(name string) Outcome {
	return Outcome{Result: &wire.CommandResult{
		Type:    wire.TypeCommandResult,
		Command: name,
		Success: false,
		Output:  fmt.Sprintf("%v: /%s", ErrUnknownCommand, name),
	}}
}

func (r *Router) runRename(sess Session, args string) Outcome {
	name := strings.TrimSpace(args)
	if name == "" {
		return Outcome{Result: failure("rename", "usage: /rename <name>")}
	}
	if err := sess.Rename(name); err != nil {
		return Outcome{Result: failure("rename", err.Error())}
	}
	return Outcome{Result: success("rename", "renamed session to "+name)}
}

func (r *Router) runExport(sess Session, args string) Outcome {
	path := strings.TrimSpace(args)
	if path == "" {
		path = filepath.Join(sess.Key(), "transcript.txt")
	}
	if err := sess.Export(path); err != nil {
		return Outcome{Result: failure("export", err.Error())}
	}
	return Outcome{Result: success("export", "exported transcript to "+path)}
}

func (r *Router) runCompact(sess Session) Outcome {
	messages := sess.Messages()
	summary := summarizeForCompaction(messages, defaultCompactKeep)
	dropped, err := sess.Compact(defaultCompactKeep, summary)
	if err != nil {
		return Outcome{Result: failure("compact", err.Error())}
	}
	if dropped == 0 {
		return Outcome{Result: success("compact", "nothing to compact")}
	}
	return Outcome{Result: success("compact", fmt.Sprintf("compacted %d earlier messages", dropped))}
}

func (r *Router) runInfo(sess Session) Outcome {
	output := fmt.Sprintf("key: %s\nid: %s\nname: %s\nmessages: %d\nstreaming: %v",
		sess.Key(), sess.ID(), sess.Name(), len(sess.Messages()), sess.Streaming())
	return Outcome{Result: success("session", output)}
}

// runExtension invokes a registered extension command with a captured
// notification side-channel. Everything the command reports comes back as a
// single scoped result; nothing reaches the session's event stream.
func (r *Router) runExtension(cmd ExtensionCommand, args string) Outcome {
	ctx := NewExtensionContext()
	output, err := runExtensionSafely(cmd, ctx, args)
	if err != nil {
		r.log.Warn("extension command %s failed: %v", cmd.Name(), err)
		return Outcome{Result: failure(cmd.Name(), err.Error())}
	}

	combined := strings.Join(append(ctx.Notifications(), output), "\n")
	return Outcome{Result: success(cmd.Name(), strings.TrimSpace(combined))}
}

// dispatchFreeForm runs the handler chain. A handler that claims the input
// gets its reply appended immediately after the user message, under one
// lock, so no turn output can interleave. A handler that fails is treated
// as declined.
func (r *Router) dispatchFreeForm(sess Session, input string) Outcome {
	for _, h := range r.handlers.All() {
		reply, claimed, err := runHandlerSafely(h, sess, input)
		if err != nil {
			r.log.Warn("handler %s failed, continuing chain: %v", h.Name(), err)
			continue
		}
		if !claimed {
			continue
		}
		if err := sess.AppendPair(executor.NewUserMessage(input), executor.NewAssistantMessage(reply)); err != nil {
			return Outcome{Result: failure(h.Name(), "failed to append claimed reply: "+err.Error())}
		}
		return Outcome{Claimed: true}
	}
	return Outcome{Prompt: input}
}

func splitCommand(trimmed string) (name, args string) {
	body := strings.TrimPrefix(trimmed, "/")
	if idx := strings.IndexAny(body, " \t\n"); idx >= 0 {
		return body[:idx], strings.TrimSpace(body[idx:])
	}
	return body, ""
}

// summarizeForCompaction builds a plain-text summary of the messages that a
// compaction is about to drop. No model is involved.
func summarizeForCompaction(messages []executor.Message, keepRecent int) string {
	if len(messages) <= keepRecent {
		return ""
	}
	dropped := messages[:len(messages)-keepRecent]
	users := 0
	for _, msg := range dropped {
		if msg.Role == executor.RoleUser {
			users++
		}
	}
	first := ""
	if len(dropped) > 0 {
		first = dropped[0].Content
		if len(first) > 80 {
			first = first[:80] + "..."
		}
	}
	return fmt.Sprintf("%d earlier messages (%d from the user), beginning with: %s",
		len(dropped), users, first)
}

func success(command, output string) *wire.CommandResult {
	return &wire.CommandResult{Type: wire.TypeCommandResult, Command: command, Success: true, Output: output}
}

func failure(command, output string) *wire.CommandResult {
	return &wire.CommandResult{Type: wire.TypeCommandResult, Command: command, Success: false, Output: output}
}
