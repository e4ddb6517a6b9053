// Package stream pushes monitor alerts to WebSocket clients as they are
// raised.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	// MaxClients caps concurrent stream connections.
	MaxClients = 1000

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 4096
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Filter narrows the alerts a client receives. Empty fields match
// everything. Clients replace their filter by sending a JSON Filter frame.
type Filter struct {
	Activities []domain.ActivityType `json:"activities"`
	UserIDs    []string              `json:"userIds"`
}

func (f Filter) matches(a domain.Alert) bool {
	if len(f.Activities) > 0 && !slices.Contains(f.Activities, a.Activity) {
		return false
	}
	if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, a.UserID) {
		return false
	}
	return true
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
}

func (c *client) wants(a domain.Alert) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(a)
}

// Hub fans alerts out to connected clients. It satisfies monitor.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	logger  *slog.Logger
	max     int

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		max:     MaxClients,
	}
}

// Send encodes the alert once and queues it for every matching client.
// A client whose buffer is full is disconnected rather than blocking the
// monitor.
func (h *Hub) Send(_ context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.wants(alert) {
			continue
		}
		select {
		case c.send <- payload:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.removeLocked(c)
			h.logger.Warn("stream client too slow, disconnecting")
		}
	}
	return nil
}

// Stats reports the number of connected clients and alert deliveries.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]int64{
		"clients":   int64(n),
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.max {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.StreamClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes the client's queue; its write loop then sends a close
// frame and drops the connection.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Set(float64(len(h.clients)))
}

// ServeHTTP upgrades the request and streams alerts until the client leaves.
// An optional initial filter may be given as repeated activity and userId
// query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := h.closed || len(h.clients) >= h.max
	h.mu.RUnlock()
	if full {
		http.Error(w, "alert stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		filter: Filter{
			UserIDs: q["userId"],
		},
	}
	for _, a := range q["activity"] {
		c.filter.Activities = append(c.filter.Activities, domain.ActivityType(a))
	}

	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "alert stream unavailable"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

func (c *client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("stream read ended", "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(frame, &f); err != nil {
			continue
		}
		c.mu.Lock()
		c.filter = f
		c.mu.Unlock()
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("stream write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
