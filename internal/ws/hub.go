// Package ws pushes notifications to the connected dashboards over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/FAI3/orchestra/internal/model"
)

const (
	TypeNotification = "notification"

	writeTimeout = 5 * time.Second
	// sendQueue is how many messages a client may lag behind before it is
	// disconnected.
	sendQueue = 32
)

// Message is the envelope of every message sent to a client.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// Hub keeps the active connections and broadcasts to all of them. It is a
// model.Notifier.
type Hub struct {
	origins []string

	mu    sync.RWMutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewHub accepts connections from the same host and from origins, which
// are path.Match patterns of allowed hosts.
func NewHub(origins ...string) *Hub {
	return &Hub{
		origins: origins,
		conns:   make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, send: make(chan []byte, sendQueue), cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.DebugContext(ctx, "websocket connected", "remote", r.RemoteAddr)

	// clients only listen, reading detects disconnects
	h.wg.Go(func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})
	h.wg.Go(func() {
		c.writeLoop(ctx)
	})
}

// writeLoop sends the queued messages of one client until ctx is done or a
// write fails.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.DebugContext(ctx, "websocket write failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) Notify(ctx context.Context, n model.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: TypeNotification, Payload: payload})
}

// Broadcast queues msg for every connected client and never waits for
// the writes. A client whose queue is full is disconnected.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.WarnContext(ctx, "websocket client too slow: disconnecting")
		h.remove(c)
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects all clients and waits for their readers.
func (h *Hub) Close() {
	h.mu.RLock()
	for c := range h.conns {
		c.cancel()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Debug("websocket disconnected")
	}
}
