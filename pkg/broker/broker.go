// Package broker is the session broker core: it owns the pool of live
// sessions, binds each client connection to exactly one session at a time,
// scopes event delivery to the connections bound to a session, and repairs
// bindings when sessions disappear underneath them.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/router"
	"github.com/parley-ai/parley/pkg/wire"
)

// ErrNoBinding is returned when a command that needs a bound session arrives
// on a connection that has none. This indicates a protocol violation by the
// client; it should not occur in normal operation.
var ErrNoBinding = errors.New("connection has no bound session")

// Conn is one client connection as seen by the broker. Send must not block
// the caller; transports buffer and drop rather than stall the fan-out path.
type Conn interface {
	ID() string
	Send(v any)
}

// binding records a connection's current attachment.
type binding struct {
	key         string
	unsubscribe func()
}

// Broker binds connections to sessions and routes their commands.
type Broker struct {
	mu       sync.Mutex
	pool     *Pool
	router   *router.Router
	models   []wire.ModelInfo
	conns    map[string]Conn
	bindings map[string]*binding
	log      *logger.Logger
}

// New creates a broker over the given pool and router.
func New(pool *Pool, rt *router.Router, models []wire.ModelInfo, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Broker{
		pool:     pool,
		router:   rt,
		models:   models,
		conns:    make(map[string]Conn),
		bindings: make(map[string]*binding),
		log:      log,
	}
}

// Register adds a connection and binds it to a default session: the most
// recently modified durable session, or a brand-new one if none exist.
func (b *Broker) Register(conn Conn) error {
	sess, err := b.defaultSession()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conns[conn.ID()] = conn
	b.mu.Unlock()
	b.bind(conn, sess)
	return nil
}

// Unregister removes a connection and drops its binding.
func (b *Broker) Unregister(conn Conn) {
	b.mu.Lock()
	old := b.bindings[conn.ID()]
	delete(b.bindings, conn.ID())
	delete(b.conns, conn.ID())
	b.mu.Unlock()
	if old != nil {
		old.unsubscribe()
	}
	b.log.Debug("connection %s unregistered", conn.ID())
}

// defaultSession picks the session a fresh connection should observe.
func (b *Broker) defaultSession() (*Session, error) {
	descriptors, err := b.pool.List()
	if err != nil {
		return nil, err
	}
	if len(descriptors) > 0 {
		return b.pool.GetOrOpen(descriptors[0].Key)
	}
	return b.pool.Create()
}

// bind attaches conn to sess: the old subscription is torn down first, then
// the new one is installed together with its snapshot+history handshake.
// The ordering is load-bearing: after bind returns, conn cannot receive a
// stray event from the old session, and it has received snapshot+history
// before any live event from the new one.
func (b *Broker) bind(conn Conn, sess *Session) {
	b.mu.Lock()
	old := b.bindings[conn.ID()]
	b.mu.Unlock()
	if old != nil {
		old.unsubscribe()
	}

	unsub := sess.Attach(conn.Send)

	b.mu.Lock()
	b.bindings[conn.ID()] = &binding{key: sess.Key(), unsubscribe: unsub}
	b.mu.Unlock()
	b.log.Debug("connection %s bound to session %s", conn.ID(), sess.Key())
}

// bound resolves conn's current session.
func (b *Broker) bound(conn Conn) (*Session, error) {
	b.mu.Lock()
	bd := b.bindings[conn.ID()]
	b.mu.Unlock()
	if bd == nil {
		return nil, ErrNoBinding
	}
	return b.pool.GetOrOpen(bd.key)
}

// boundKey returns conn's bound session key without resolving it.
func (b *Broker) boundKey(conn Conn) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd := b.bindings[conn.ID()]
	if bd == nil {
		return "", false
	}
	return bd.key, true
}

// connsBoundTo returns the connections currently bound to key.
func (b *Broker) connsBoundTo(key string) []Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conn, 0)
	for id, bd := range b.bindings {
		if bd.key == key {
			if conn, ok := b.conns[id]; ok {
				out = append(out, conn)
			}
		}
	}
	return out
}

// BroadcastToAll delivers v to every connected client regardless of
// binding. This is a deliberately weaker guarantee than session-scoped
// delivery, reserved for system-wide administrative payloads.
func (b *Broker) BroadcastToAll(v any) {
	b.mu.Lock()
	conns := make([]Conn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		conn.Send(v)
	}
}

// Inject appends text to the targeted session as a user message and
// broadcasts it to that session's bound connections. An empty target falls
// back to the most recently modified session (creating one if none exist);
// that fallback is best-effort — "the active session" is not a stable
// concept when clients switch concurrently, so callers should target a key.
func (b *Broker) Inject(targetKey, text string) error {
	var sess *Session
	var err error
	if targetKey != "" {
		sess, err = b.pool.GetOrOpen(targetKey)
	} else {
		sess, err = b.defaultSession()
	}
	if err != nil {
		return err
	}
	return sess.Append(executor.NewUserMessage(text))
}

// DeleteSession deletes key and rebinds every affected connection to a
// replacement session, each receiving its own fresh snapshot. No connection
// is left pointing at a dead key, even if the durable delete failed.
func (b *Broker) DeleteSession(key string) error {
	affected := b.connsBoundTo(key)
	deleteErr := b.pool.Delete(key)

	if len(affected) > 0 {
		replacement, err := b.replacementSession(key)
		if err != nil {
			if deleteErr != nil {
				return deleteErr
			}
			return err
		}
		for _, conn := range affected {
			b.bind(conn, replacement)
		}
	}
	return deleteErr
}

// replacementSession picks the next most recently modified session, or
// creates one when none remain.
func (b *Broker) replacementSession(deletedKey string) (*Session, error) {
	descriptors, err := b.pool.List()
	if err != nil {
		return nil, err
	}
	for _, desc := range descriptors {
		if desc.Key != deletedKey {
			return b.pool.GetOrOpen(desc.Key)
		}
	}
	return b.pool.Create()
}

// Handle processes one inbound command for conn and returns the response to
// send back to that connection only. Session-management kinds work even
// when the bound session no longer resolves, because they establish or
// repair a binding rather than depending on one.
func (b *Broker) Handle(conn Conn, cmd wire.Command) wire.Response {
	switch cmd.Type {
	case wire.CommandPing:
		return b.success(cmd, map[string]any{"status": "ok"})
	case wire.CommandListSessions:
		return b.handleListSessions(cmd)
	case wire.CommandNewSession:
		return b.handleNewSession(conn, cmd)
	case wire.CommandSwitchSession:
		return b.handleSwitchSession(conn, cmd)
	case wire.CommandDeleteSession:
		return b.handleDeleteSession(conn, cmd)
	case wire.CommandRenameSession:
		return b.handleRenameSession(conn, cmd)
	case wire.CommandGetAvailableModels:
		return b.success(cmd, map[string]any{"models": b.models})
	}

	sess, err := b.bound(conn)
	if err != nil {
		return b.failure(cmd, err)
	}

	switch cmd.Type {
	case wire.CommandInput:
		return b.handleInput(conn, sess, cmd)
	case wire.CommandPrompt:
		// Direct prompt bypasses the handler chain and command routing.
		if err := sess.Prompt(commandMessage(cmd)); err != nil {
			return b.failure(cmd, err)
		}
		return b.success(cmd, nil)
	case wire.CommandCommand:
		return b.handleCommandOnly(conn, sess, cmd)
	case wire.CommandSteer:
		sess.Steer(commandMessage(cmd))
		return b.success(cmd, nil)
	case wire.CommandFollowUp:
		if err := sess.FollowUp(commandMessage(cmd)); err != nil {
			return b.failure(cmd, err)
		}
		return b.success(cmd, nil)
	case wire.CommandAbort:
		if err := sess.Abort(); err != nil {
			return b.failure(cmd, err)
		}
		return b.success(cmd, nil)
	case wire.CommandGetState:
		return b.success(cmd, sess.Snapshot())
	case wire.CommandGetMessages:
		return b.success(cmd, map[string]any{"messages": sess.Messages()})
	case wire.CommandGetCommands:
		return b.success(cmd, map[string]any{"commands": b.router.Commands()})
	case wire.CommandSetModel:
		return b.handleSetModel(sess, cmd)
	case wire.CommandSetThinkingLevel:
		return b.handleSetThinkingLevel(sess, cmd)
	default:
		return b.failure(cmd, fmt.Errorf("unknown command type: %s", cmd.Type))
	}
}

// handleInput routes free text through the command router. Scoped results
// go back to the sender only; claimed replies and executor turns reach
// every connection bound to the session through its event stream.
func (b *Broker) handleInput(conn Conn, sess *Session, cmd wire.Command) wire.Response {
	outcome := b.router.Dispatch(sess, commandMessage(cmd))

	if outcome.Result != nil {
		conn.Send(*outcome.Result)
		return b.success(cmd, map[string]any{"handled": true})
	}
	if outcome.Claimed {
		return b.success(cmd, map[string]any{"claimed": true})
	}
	if err := sess.Prompt(outcome.Prompt); err != nil {
		if errors.Is(err, ErrQueuedFollowUp) {
			return b.success(cmd, map[string]any{"queued": true})
		}
		if errors.Is(err, executor.ErrTurnInProgress) {
			// Fold concurrent input into the running turn rather than
			// rejecting it outright.
			if ferr := sess.FollowUp(outcome.Prompt); ferr == nil {
				return b.success(cmd, map[string]any{"queued": true})
			}
		}
		return b.failure(cmd, err)
	}
	return b.success(cmd, nil)
}

// handleCommandOnly dispatches input that must be treated as a command:
// free-form text is rejected instead of falling through to the executor.
func (b *Broker) handleCommandOnly(conn Conn, sess *Session, cmd wire.Command) wire.Response {
	text := commandMessage(cmd)
	outcome := b.router.Dispatch(sess, text)
	if outcome.Result != nil {
		conn.Send(*outcome.Result)
		return b.success(cmd, map[string]any{"handled": true})
	}
	if outcome.Claimed {
		return b.success(cmd, map[string]any{"claimed": true})
	}
	if outcome.Prompt != "" && outcome.Prompt != text {
		// Skill expansion still needs the executor.
		if err := sess.Prompt(outcome.Prompt); err != nil {
			if errors.Is(err, ErrQueuedFollowUp) {
				return b.success(cmd, map[string]any{"queued": true})
			}
			return b.failure(cmd, err)
		}
		return b.success(cmd, nil)
	}
	return b.failure(cmd, fmt.Errorf("%w: not a command: %s", router.ErrUnknownCommand, text))
}

func (b *Broker) handleListSessions(cmd wire.Command) wire.Response {
	descriptors, err := b.pool.List()
	if err != nil {
		return b.failure(cmd, err)
	}
	return b.success(cmd, map[string]any{"sessions": descriptors})
}

func (b *Broker) handleNewSession(conn Conn, cmd wire.Command) wire.Response {
	sess, err := b.pool.Create()
	if err != nil {
		return b.failure(cmd, err)
	}
	var data struct {
		Name string `json:"name"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err == nil && data.Name != "" {
			if err := sess.Rename(data.Name); err != nil {
				b.log.Warn("failed to name new session: %v", err)
			}
		}
	}
	b.bind(conn, sess)
	return b.success(cmd, map[string]any{"sessionKey": sess.Key(), "sessionId": sess.ID()})
}

func (b *Broker) handleSwitchSession(conn Conn, cmd wire.Command) wire.Response {
	var data struct {
		Key string `json:"key"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return b.failure(cmd, fmt.Errorf("invalid data: %w", err))
		}
	}
	if data.Key == "" {
		return b.failure(cmd, fmt.Errorf("switch_session requires a key"))
	}
	sess, err := b.pool.GetOrOpen(data.Key)
	if err != nil {
		return b.failure(cmd, err)
	}
	b.bind(conn, sess)
	return b.success(cmd, map[string]any{"switched": true, "sessionKey": sess.Key()})
}

func (b *Broker) handleDeleteSession(conn Conn, cmd wire.Command) wire.Response {
	var data struct {
		Key string `json:"key"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return b.failure(cmd, fmt.Errorf("invalid data: %w", err))
		}
	}
	key := data.Key
	if key == "" {
		bound, ok := b.boundKey(conn)
		if !ok {
			return b.failure(cmd, ErrNoBinding)
		}
		key = bound
	}
	if err := b.DeleteSession(key); err != nil {
		return b.failure(cmd, err)
	}
	return b.success(cmd, map[string]any{"deleted": true})
}

// handleRenameSession renames by explicit key when given, falling back to
// the bound session. Renaming by key works even when the connection's own
// binding is stale.
func (b *Broker) handleRenameSession(conn Conn, cmd wire.Command) wire.Response {
	var data struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return b.failure(cmd, fmt.Errorf("invalid data: %w", err))
		}
	}
	if data.Name == "" {
		data.Name = commandMessage(cmd)
	}
	if data.Name == "" {
		return b.failure(cmd, fmt.Errorf("rename_session requires a name"))
	}

	var sess *Session
	var err error
	if data.Key != "" {
		sess, err = b.pool.GetOrOpen(data.Key)
	} else {
		sess, err = b.bound(conn)
	}
	if err != nil {
		return b.failure(cmd, err)
	}
	if err := sess.Rename(data.Name); err != nil {
		return b.failure(cmd, err)
	}
	return b.success(cmd, map[string]any{"renamed": true, "name": data.Name})
}

func (b *Broker) handleSetModel(sess *Session, cmd wire.Command) wire.Response {
	var data struct {
		ModelID string `json:"modelId"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return b.failure(cmd, fmt.Errorf("invalid data: %w", err))
		}
	}
	for _, model := range b.models {
		if model.ID == data.ModelID {
			sess.SetModel(model)
			return b.success(cmd, model)
		}
	}
	return b.failure(cmd, fmt.Errorf("unknown model: %s", data.ModelID))
}

func (b *Broker) handleSetThinkingLevel(sess *Session, cmd wire.Command) wire.Response {
	var data struct {
		Level string `json:"level"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return b.failure(cmd, fmt.Errorf("invalid data: %w", err))
		}
	}
	if data.Level == "" {
		data.Level = commandMessage(cmd)
	}
	if !wire.ValidThinkingLevel(data.Level) {
		return b.failure(cmd, fmt.Errorf("unknown thinking level: %s", data.Level))
	}
	sess.SetThinkingLevel(data.Level)
	return b.success(cmd, map[string]any{"level": data.Level})
}

// commandMessage extracts the text payload, preferring the direct message
// field over the data object.
func commandMessage(cmd wire.Command) string {
	if cmd.Message != "" {
		return cmd.Message
	}
	if len(cmd.Data) > 0 {
		var data struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err == nil {
			return data.Message
		}
	}
	return ""
}

func (b *Broker) success(cmd wire.Command, data any) wire.Response {
	return wire.Response{
		ID:      cmd.ID,
		Type:    wire.TypeResponse,
		Command: cmd.Type,
		Success: true,
		Data:    data,
	}
}

func (b *Broker) failure(cmd wire.Command, err error) wire.Response {
	return wire.Response{
		ID:      cmd.ID,
		Type:    wire.TypeResponse,
		Command: cmd.Type,
		Success: false,
		Error:   err.Error(),
	}
}
