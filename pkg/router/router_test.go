package router

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/skill"
)

// memSession is a minimal in-memory Session for router tests.
type memSession struct {
	key       string
	name      string
	messages  []executor.Message
	exported  string
	compacted int
	renameErr error
}

func (s *memSession) Key() string  { return s.key }
func (s *memSession) ID() string   { return "id-" + filepath.Base(s.key) }
func (s *memSession) Name() string { return s.name }
func (s *memSession) Messages() []executor.Message {
	return append([]executor.Message(nil), s.messages...)
}
func (s *memSession) Streaming() bool { return false }
func (s *memSession) AppendPair(first, second executor.Message) error {
	s.messages = append(s.messages, first, second)
	return nil
}
func (s *memSession) Rename(name string) error {
	if s.renameErr != nil {
		return s.renameErr
	}
	s.name = name
	return nil
}
func (s *memSession) Export(path string) error {
	s.exported = path
	return nil
}
func (s *memSession) Compact(keepRecent int, summary string) (int, error) {
	if len(s.messages) <= keepRecent {
		return 0, nil
	}
	dropped := len(s.messages) - keepRecent
	s.messages = s.messages[dropped:]
	s.compacted = dropped
	return dropped, nil
}

func TestDispatchFreeFormFallsThroughToPrompt(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "plain input")
	if outcome.Prompt != "plain input" {
		t.Errorf("Expected input forwarded as prompt, got %+v", outcome)
	}
	if outcome.Claimed || outcome.Result != nil {
		t.Errorf("Unexpected outcome: %+v", outcome)
	}
}

func TestDispatchHandlerClaims(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	rt.Handlers().Replace([]Handler{
		HandlerFunc{HandlerName: "echo", Fn: func(sess Session, input string) (string, bool, error) {
			return "claimed: " + input, true, nil
		}},
	})

	outcome := rt.Dispatch(sess, "hello")
	if !outcome.Claimed {
		t.Fatalf("Expected claimed outcome, got %+v", outcome)
	}
	if len(sess.messages) != 2 {
		t.Fatalf("Expected user+reply appended, got %d messages", len(sess.messages))
	}
	if sess.messages[0].Content != "hello" || sess.messages[1].Content != "claimed: hello" {
		t.Errorf("Unexpected appended pair: %+v", sess.messages)
	}
}

func TestDispatchHandlerChainOrderAndDecline(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	var invoked []string
	decline := func(name string) Handler {
		return HandlerFunc{HandlerName: name, Fn: func(sess Session, input string) (string, bool, error) {
			invoked = append(invoked, name)
			return "", false, nil
		}}
	}
	// Registered out of order; the chain runs lexicographically.
	rt.Handlers().Replace([]Handler{decline("charlie"), decline("alpha"), decline("bravo")})

	outcome := rt.Dispatch(sess, "nobody wants this")
	if outcome.Prompt != "nobody wants this" {
		t.Errorf("Expected fall-through to prompt, got %+v", outcome)
	}
	if strings.Join(invoked, ",") != "alpha,bravo,charlie" {
		t.Errorf("Expected lexicographic chain order, got %v", invoked)
	}
}

func TestDispatchHandlerPanicSkipsToNext(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	rt.Handlers().Replace([]Handler{
		HandlerFunc{HandlerName: "a-panics", Fn: func(sess Session, input string) (string, bool, error) {
			panic("boom")
		}},
		HandlerFunc{HandlerName: "b-claims", Fn: func(sess Session, input string) (string, bool, error) {
			return "recovered", true, nil
		}},
	})

	outcome := rt.Dispatch(sess, "input")
	if !outcome.Claimed {
		t.Errorf("Expected the chain to survive the panic and claim, got %+v", outcome)
	}
}

func TestDispatchHandlerErrorTreatedAsDecline(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	rt.Handlers().Replace([]Handler{
		HandlerFunc{HandlerName: "broken", Fn: func(sess Session, input string) (string, bool, error) {
			return "", true, errors.New("handler exploded")
		}},
	})

	outcome := rt.Dispatch(sess, "input")
	if outcome.Prompt != "input" {
		t.Errorf("Expected fall-through after handler error, got %+v", outcome)
	}
	if len(sess.messages) != 0 {
		t.Errorf("Nothing should be appended on decline, got %d messages", len(sess.messages))
	}
}

func TestDispatchRename(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/rename weekly sync")
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("Expected successful rename, got %+v", outcome)
	}
	if sess.name != "weekly sync" {
		t.Errorf("Expected name 'weekly sync', got '%s'", sess.name)
	}

	outcome = rt.Dispatch(sess, "/rename")
	if outcome.Result == nil || outcome.Result.Success {
		t.Errorf("Expected usage failure for bare /rename, got %+v", outcome)
	}

	sess.renameErr = errors.New("disk full")
	outcome = rt.Dispatch(sess, "/rename other")
	if outcome.Result == nil || outcome.Result.Success {
		t.Errorf("Expected rename failure to surface, got %+v", outcome)
	}
}

func TestDispatchExport(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/export /tmp/out.txt")
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("Expected successful export, got %+v", outcome)
	}
	if sess.exported != "/tmp/out.txt" {
		t.Errorf("Expected export path /tmp/out.txt, got %s", sess.exported)
	}

	// Without an argument the transcript lands next to the session.
	outcome = rt.Dispatch(sess, "/export")
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("Expected successful export, got %+v", outcome)
	}
	if sess.exported != filepath.Join(sess.key, "transcript.txt") {
		t.Errorf("Unexpected default export path: %s", sess.exported)
	}
}

func TestDispatchCompact(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}
	for i := 0; i < 15; i++ {
		sess.messages = append(sess.messages, executor.NewUserMessage(fmt.Sprintf("m%d", i)))
	}

	outcome := rt.Dispatch(sess, "/compact")
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("Expected successful compact, got %+v", outcome)
	}
	if sess.compacted != 5 {
		t.Errorf("Expected 5 messages compacted, got %d", sess.compacted)
	}

	outcome = rt.Dispatch(sess, "/compact")
	if outcome.Result == nil || !strings.Contains(outcome.Result.Output, "nothing to compact") {
		t.Errorf("Expected no-op compact result, got %+v", outcome.Result)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	rt := New(nil, nil)
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/frobnicate now")
	if outcome.Result == nil || outcome.Result.Success {
		t.Fatalf("Expected failure result, got %+v", outcome)
	}
	if !strings.Contains(outcome.Result.Output, "unknown command") {
		t.Errorf("Unexpected output: %s", outcome.Result.Output)
	}
	// Unknown commands never reach the executor.
	if outcome.Prompt != "" {
		t.Errorf("Unknown command leaked to prompt: %q", outcome.Prompt)
	}
}

type upperCmd struct{}

func (upperCmd) Name() string        { return "upper" }
func (upperCmd) Description() string { return "uppercase the arguments" }
func (upperCmd) Run(ctx *ExtensionContext, args string) (string, error) {
	ctx.Notify("working on it")
	return strings.ToUpper(args), nil
}

type faultyCmd struct{}

func (faultyCmd) Name() string        { return "faulty" }
func (faultyCmd) Description() string { return "always panics" }
func (faultyCmd) Run(ctx *ExtensionContext, args string) (string, error) {
	panic("extension bug")
}

func TestDispatchExtensionCommand(t *testing.T) {
	rt := New(nil, nil)
	rt.Extensions().Register(upperCmd{})
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/upper hello world")
	if outcome.Result == nil || !outcome.Result.Success {
		t.Fatalf("Expected successful extension run, got %+v", outcome)
	}
	if !strings.Contains(outcome.Result.Output, "HELLO WORLD") {
		t.Errorf("Expected uppercased output, got %s", outcome.Result.Output)
	}
	// Notifications fold into the result instead of broadcasting.
	if !strings.Contains(outcome.Result.Output, "working on it") {
		t.Errorf("Expected captured notification in output, got %s", outcome.Result.Output)
	}
}

func TestDispatchExtensionPanicScoped(t *testing.T) {
	rt := New(nil, nil)
	rt.Extensions().Register(faultyCmd{})
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/faulty")
	if outcome.Result == nil || outcome.Result.Success {
		t.Fatalf("Expected scoped failure result, got %+v", outcome)
	}
	if !strings.Contains(outcome.Result.Output, "panic") {
		t.Errorf("Expected panic surfaced in output, got %s", outcome.Result.Output)
	}
}

func TestDispatchSkillExpansion(t *testing.T) {
	skills := []skill.Skill{{
		Name:        "review",
		Description: "review the change",
		Content:     "Look carefully at the diff.",
		LoadedAt:    time.Now(),
	}}
	rt := New(skills, nil)
	sess := &memSession{key: "/tmp/s1"}

	outcome := rt.Dispatch(sess, "/skill:review the parser")
	if outcome.Prompt == "" {
		t.Fatalf("Expected expanded prompt, got %+v", outcome)
	}
	if !strings.Contains(outcome.Prompt, "Look carefully at the diff.") {
		t.Errorf("Expansion missing skill content: %s", outcome.Prompt)
	}
	if !strings.Contains(outcome.Prompt, "the parser") {
		t.Errorf("Expansion missing user arguments: %s", outcome.Prompt)
	}

	outcome = rt.Dispatch(sess, "/skill:missing")
	if outcome.Result == nil || outcome.Result.Success {
		t.Errorf("Expected unknown skill failure, got %+v", outcome)
	}
}

func TestCommandsListing(t *testing.T) {
	skills := []skill.Skill{{Name: "review", Description: "review the change"}}
	rt := New(skills, nil)
	rt.Extensions().Register(upperCmd{})

	commands := rt.Commands()
	want := map[string]string{
		"rename":       "builtin",
		"export":       "builtin",
		"compact":      "builtin",
		"session":      "builtin",
		"upper":        "extension",
		"skill:review": "skill",
	}
	got := make(map[string]string, len(commands))
	for _, cmd := range commands {
		got[cmd.Name] = cmd.Source
	}
	for name, source := range want {
		if got[name] != source {
			t.Errorf("Expected command %s with source %s, got %q", name, source, got[name])
		}
	}
}

func TestSummarizeForCompaction(t *testing.T) {
	var messages []executor.Message
	for i := 0; i < 12; i++ {
		role := executor.RoleUser
		if i%2 == 1 {
			role = executor.RoleAssistant
		}
		messages = append(messages, executor.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}

	summary := summarizeForCompaction(messages, 4)
	if !strings.Contains(summary, "8 earlier messages") {
		t.Errorf("Expected dropped count in summary, got %s", summary)
	}
	if !strings.Contains(summary, "4 from the user") {
		t.Errorf("Expected user count in summary, got %s", summary)
	}
	if !strings.Contains(summary, "message 0") {
		t.Errorf("Expected first dropped message preview, got %s", summary)
	}

	if summarizeForCompaction(messages, 20) != "" {
		t.Error("Expected empty summary when nothing would be dropped")
	}
}
