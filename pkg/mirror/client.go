package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/wire"
)

// ConnState describes the client's connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig controls the reconnect schedule and timeouts.
type ClientConfig struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultClientConfig returns a config with the standard backoff schedule.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Client is a reconnecting websocket client that feeds a Mirror. On every
// (re)connect the server pushes a fresh snapshot and history, so the replica
// converges without the client replaying missed events.
type Client struct {
	cfg    ClientConfig
	mirror *Mirror
	log    *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wire.Response
	state   atomic.Int32
	onState func(ConnState)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client feeding mirror. onState, if non-nil, is called
// on every connection state change.
func NewClient(cfg ClientConfig, m *Mirror, log *logger.Logger, onState func(ConnState)) *Client {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	if m == nil {
		m = New()
	}
	return &Client{
		cfg:     cfg,
		mirror:  m,
		log:     log,
		pending: make(map[string]chan wire.Response),
		onState: onState,
		done:    make(chan struct{}),
	}
}

// Mirror returns the replica this client maintains.
func (c *Client) Mirror() *Mirror { return c.mirror }

// State returns the current connection state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
	if c.onState != nil {
		c.onState(s)
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or
// Close is called. Reconnects use capped exponential backoff with jitter;
// each successful connect resets the schedule.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)

	backoff := c.cfg.InitialBackoff
	first := true
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		if err != nil {
			c.log.Warn("connection lost: %v", err)
		}
		c.setState(StateDisconnected)
		c.failPending(fmt.Errorf("connection lost"))

		// Jitter avoids a reconnect stampede when the server restarts.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
		first = false
	}
}

// runOnce dials, reads until the connection drops, and returns the cause.
func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("connected to %s", c.cfg.URL)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return err
		}
		c.dispatch(raw)
	}
}

// dispatch routes one inbound payload: responses complete their pending
// request; everything else reduces into the mirror. A divergent snapshot
// triggers a full transcript resync.
func (c *Client) dispatch(raw []byte) {
	var resp wire.Response
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Type == wire.TypeResponse {
		if resp.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
				return
			}
		}
		// The server pushes the transcript as an unsolicited get_messages
		// response on every (re)bind. Installing it here converges the
		// replica without an extra round trip.
		if resp.Command == wire.CommandGetMessages && resp.Success {
			if messages, err := decodeMessages(resp.Data); err == nil {
				c.mirror.SetMessages(messages)
			}
			return
		}
	}

	if c.mirror.Apply(raw) {
		go c.resyncMessages()
	}
}

// resyncMessages fetches the full transcript and installs it in the mirror.
// The pushed history that follows a snapshot usually converges the replica
// first, in which case this is a no-op.
func (c *Client) resyncMessages() {
	if !c.mirror.diverged() {
		return
	}
	resp, err := c.Request(wire.Command{Type: wire.CommandGetMessages}, 15*time.Second)
	if err != nil {
		c.log.Warn("message resync failed: %v", err)
		return
	}
	messages, err := decodeMessages(resp.Data)
	if err != nil {
		c.log.Warn("message resync decode failed: %v", err)
		return
	}
	c.mirror.SetMessages(messages)
}

func decodeMessages(data any) ([]executor.Message, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []executor.Message `json:"messages"`
	}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// Send writes cmd without waiting for a response.
func (c *Client) Send(cmd wire.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(cmd)
}

// Request sends cmd and waits for its correlated response.
func (c *Client) Request(cmd wire.Command, timeout time.Duration) (wire.Response, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	if err := c.Send(cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return wire.Response{}, err
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return resp, fmt.Errorf("%s failed: %s", cmd.Type, resp.Error)
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return wire.Response{}, fmt.Errorf("%s timed out", cmd.Type)
	}
}

// failPending resolves every in-flight request with a failure.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan wire.Response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- wire.Response{Type: wire.TypeResponse, Success: false, Error: err.Error()}
	}
}

// Close stops the client. No reconnect is attempted after Close.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-c.done
}
