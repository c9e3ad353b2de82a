// Package events pushes order lifecycle events to websocket subscribers.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/brokerage/internal/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Gauge tracks the number of connected clients. A nil Gauge is allowed.
type Gauge interface {
	SetWSClients(n int)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans order events out to every connected websocket client. A slow
// client whose buffer is full is disconnected rather than stalling Publish.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	gauge    Gauge

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub accepting connections from origin ("*" or empty
// allows any origin).
func NewHub(origin string, logger *zap.Logger, gauge Gauge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:  logger.Named("events"),
		gauge:   gauge,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin == "" || origin == "*" || r.Header.Get("Origin") == origin
		},
	}
	return h
}

// Publish implements orders.Notifier
func (h *Hub) Publish(event models.OrderEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal order event", zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)

	go h.writeLoop(c)

	// inbound frames are ignored; a read error means the client went away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("failed to send message", zap.Error(err))
			h.remove(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.SetWSClients(n)
	}
}
