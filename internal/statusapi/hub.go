package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/command-post/engine/pkg/logger"
)

const outboxSize = 64

var upgrader = websocket.Upgrader{
	// The status surface is a local operator/dashboard tool, not a
	// public endpoint; every origin is accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message broadcast to every connected status client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// conn wraps one websocket connection with a serialized write path —
// gorilla/websocket connections are not safe for concurrent writers.
type conn struct {
	ws        *websocket.Conn
	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, outbox: make(chan []byte, outboxSize), closeCh: make(chan struct{})}
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false // a slow client drops events rather than blocking the hub
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// Hub fans out Events to every connected websocket client. It is the
// live counterpart to the Event/Task query endpoints: those answer
// "what is the state now", the Hub answers "tell me when it changes".
type Hub struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// Broadcast marshals event and enqueues it on every connected client.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("statusapi: marshal broadcast event failed", logger.FieldError, err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.enqueue(data)
	}
}

// PublishContextEvent implements detector.EventPublisher, letting the
// context detector broadcast zone crossings directly to the Hub.
func (h *Hub) PublishContextEvent(eventType, agentID string, data map[string]any) {
	h.Broadcast(Event{Type: eventType, Data: map[string]any{"agentId": agentID, "data": data}})
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("statusapi: websocket upgrade failed", logger.FieldError, err.Error())
		return
	}
	c := newConn(ws)
	h.add(c)
	go c.writeLoop()

	defer func() {
		h.remove(c)
		c.close()
	}()

	// The client never sends anything meaningful; ReadMessage's only job
	// here is to detect the connection closing so the loop can exit.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
