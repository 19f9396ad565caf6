// Package gateway exposes the broker over HTTP: a websocket endpoint for
// interactive clients, an HTTP endpoint for external message injection, and
// a health check.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts one websocket connection to the broker's Conn interface.
// Send enqueues onto a buffered channel drained by the write pump; a client
// too slow to keep up is disconnected rather than allowed to stall fan-out.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
	log  *logger.Logger
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues v for the write pump. After the connection is dropped it is
// a no-op; fan-out and the read pump may still hold a reference and call it.
func (c *wsConn) Send(v any) {
	select {
	case c.send <- v:
	case <-c.done:
	default:
		c.log.Warn("connection %s send buffer full, dropping client", c.id)
		c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Gateway serves the broker over HTTP.
type Gateway struct {
	broker *broker.Broker
	server *http.Server
	log    *logger.Logger
}

// New creates a gateway listening on addr.
func New(addr string, b *broker.Broker, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	g := &Gateway{broker: b, log: log}

	// Websocket connections are long-lived, so no server-wide timeouts.
	g.server = &http.Server{
		Addr:    addr,
		Handler: g.mux(),
	}
	return g
}

// Handler returns the gateway's HTTP handler without a listening server,
// for embedding in another mux or in tests.
func Handler(b *broker.Broker, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	g := &Gateway{broker: b, log: log}
	return g.mux()
}

func (g *Gateway) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/inject", g.handleInject)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (g *Gateway) ListenAndServe() error {
	g.log.Info("listening on %s", g.server.Addr)
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// handleWS upgrades the request and runs the connection's read and write
// pumps. The broker pushes snapshot and history as part of registration, so
// the client needs no explicit handshake.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
		log:  g.log,
	}

	go g.writePump(conn)

	if err := g.broker.Register(conn); err != nil {
		g.log.Error("register connection %s: %v", conn.id, err)
		conn.close()
		return
	}
	g.log.Info("connection %s opened from %s", conn.id, r.RemoteAddr)

	g.readPump(conn)
}

// readPump reads commands until the connection dies, dispatching each to the
// broker and sending the scoped response back on this connection only.
func (g *Gateway) readPump(conn *wsConn) {
	defer func() {
		g.broker.Unregister(conn)
		conn.close()
		g.log.Info("connection %s closed", conn.id)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warn("connection %s read error: %v", conn.id, err)
			}
			return
		}

		var cmd wire.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			conn.Send(wire.Response{
				Type:    wire.TypeResponse,
				Success: false,
				Error:   fmt.Sprintf("invalid command: %v", err),
			})
			continue
		}
		conn.Send(g.broker.Handle(conn, cmd))
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. It owns all writes to the websocket.
func (g *Gateway) writePump(conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case v := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteJSON(v); err != nil {
				return
			}
		case <-conn.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case v := <-conn.send:
					conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.ws.WriteJSON(v); err != nil {
						return
					}
				default:
					conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
					conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// injectRequest is the body of POST /inject.
type injectRequest struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message"`
}

// handleInject appends an externally sourced user message to a session. The
// message reaches every connection bound to that session through the normal
// event stream.
func (g *Gateway) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if err := g.broker.Inject(req.SessionKey, req.Message); err != nil {
		g.log.Warn("inject failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}
