package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/maestro/internal/workflow"
)

const (
	writeWait   = 10 * time.Second
	clientQueue = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// filter narrows a client to one workflow or one run. Empty fields match
// everything.
type filter struct {
	workflow string
	run      string
}

func (f filter) match(ev workflow.Event) bool {
	return (f.workflow == "" || f.workflow == ev.Workflow) && (f.run == "" || f.run == ev.RunID)
}

type client struct {
	conn   *websocket.Conn
	filter filter
	send   chan []byte
}

// Hub fans run events out to websocket clients. Slow clients lose events
// rather than stall the hub.
type Hub struct {
	events chan workflow.Event

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		events:  make(chan workflow.Event, 256),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.events:
			data, err := json.Marshal(Event{Type: string(ev.Type), Payload: ev})
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.filter.match(ev) {
					continue
				}
				select {
				case c.send <- data:
				default:
					slog.Warn("websocket client queue full, dropping event", "run", ev.RunID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an engine event for broadcast. It implements
// workflow.Publisher.
func (h *Hub) Publish(_ context.Context, ev workflow.Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// writeLoop drains the client queue until the hub closes it.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		filter: filter{
			workflow: r.URL.Query().Get("workflow"),
			run:      r.URL.Query().Get("run"),
		},
		send: make(chan []byte, clientQueue),
	}
	s.hub.register(c)
	go c.writeLoop()

	// Clients only listen; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(c)
}
