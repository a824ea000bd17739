package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldops/spbsync/internal/auth"
	"github.com/fieldops/spbsync/internal/logging"
	syncpkg "github.com/fieldops/spbsync/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin only admits browsers served from the loopback interface.
// Non-browser clients send no Origin header.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Event types pushed to clients.
const (
	EventSyncStatus   = "sync.status"
	EventAuthState    = "auth.state"
	EventConnectivity = "connectivity"
)

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// WSClient is one WebSocket connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// wants reports whether the client asked for the event type. A client
// without subscriptions receives everything.
func (c *WSClient) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients map[string]*WSClient
	mu      sync.RWMutex
	nextID  atomic.Uint64
	log     *logging.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *logging.Logger) *WSHub {
	return &WSHub{
		clients: make(map[string]*WSClient),
		log:     log.With("ws"),
	}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("Client connected", map[string]any{"client_id": c.id, "total": n})
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("Client disconnected", map[string]any{"client_id": c.id, "total": n})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every client subscribed to eventType.
// Clients whose send buffer is full are dropped.
func (h *WSHub) Broadcast(eventType string, data any) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.log.Error("Failed to marshal message", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(eventType) {
			continue
		}
		select {
		case c.send <- bytes:
		default:
			delete(h.clients, id)
			close(c.send)
		}
	}
}

// Forward relays the service streams to clients until ctx ends.
func (h *WSHub) Forward(ctx context.Context, status <-chan syncpkg.StatusEvent, states <-chan auth.AuthState, network <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			h.Broadcast(EventSyncStatus, ev)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			h.Broadcast(EventAuthState, st)
		case online, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			h.Broadcast(EventConnectivity, map[string]bool{"online": online})
		}
	}
}

// readPump handles client messages until the connection closes.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Read error", map[string]any{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("Invalid message format", map[string]any{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]any{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]any{"action": "pong"})
		}
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) reply(v map[string]any) {
	v["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(v)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket upgrades the request and registers the client. The
// current sync and auth state are sent first.
func HandleWebSocket(hub *WSHub, initial func() []WSEnvelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade", map[string]any{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            time.Now().Format("20060102150405") + "-" + strconv.FormatUint(hub.nextID.Add(1), 10),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}
		if initial != nil {
			for _, env := range initial() {
				if bytes, err := json.Marshal(env); err == nil {
					client.send <- bytes
				}
			}
		}
		hub.register(client)

		go client.writePump()
		go client.readPump()
	}
}
