// Package realtime streams trust decisions to reviewers over WebSocket.
//
// The Hub is an audit mirror: every record and challenge outcome written to
// the audit log is fanned out to connected clients whose subscription
// matches. Clients narrow the stream by sending a Subscription as JSON.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/trust"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4 * 1024
	sendBuffer = 256
)

// MaxClients bounds concurrent stream connections.
const MaxClients = 1000

// normalCloseCodes are expected disconnects.
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
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a stream event.
type EventType string

const (
	EventDecision         EventType = "decision"
	EventChallengeOutcome EventType = "challenge_outcome"
)

// Event is one stream message.
type Event struct {
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	Decision  trust.Decision `json:"decision,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      any            `json:"data"`
}

// Subscription filters the stream for one client. Empty lists match all.
type Subscription struct {
	AllEvents  bool             `json:"allEvents"`
	EventTypes []EventType      `json:"eventTypes"`
	UserIDs    []string         `json:"userIds"`
	Decisions  []trust.Decision `json:"decisions"` // decision events only
}

// Matches reports whether ev passes the filter.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, ev.UserID) {
		return false
	}
	if ev.Type == EventDecision && len(s.Decisions) > 0 && !slices.Contains(s.Decisions, ev.Decision) {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub owns the client set. All mutation happens on the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("decision stream started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.StreamClients.Set(0)
			h.logger.Info("decision stream stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.StreamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(ev)
		}
	}
}

// fanOut drops clients whose send buffer is full.
func (h *Hub) fanOut(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("stream event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(ev) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	h.logger.Warn("dropped slow stream clients", "count", len(slow))
}

// Broadcast enqueues ev without blocking. A full queue drops the event.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		metrics.StreamDroppedTotal.Inc()
		h.logger.Warn("stream queue full, dropping event", "type", ev.Type)
	}
}

// Append streams a decision. It never fails the audit write.
func (h *Hub) Append(_ context.Context, rec *trust.TrustScoreRecord) error {
	cp := *rec
	h.Broadcast(&Event{
		Type:      EventDecision,
		UserID:    rec.UserID,
		Decision:  rec.Decision,
		Timestamp: rec.CreatedAt,
		Data:      &cp,
	})
	return nil
}

// AppendOutcome streams a challenge outcome.
func (h *Hub) AppendOutcome(_ context.Context, o *trust.ChallengeOutcome) error {
	cp := *o
	h.Broadcast(&Event{
		Type:      EventChallengeOutcome,
		UserID:    o.UserID,
		Timestamp: o.At,
		Data:      &cp,
	})
	return nil
}

// HubStats summarises hub activity.
type HubStats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
}

// Stats returns hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
	}
}

// Serve handles GET /v1/admin/stream.
func (h *Hub) Serve(c *gin.Context) {
	h.HandleWebSocket(c.Writer, c.Request)
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
