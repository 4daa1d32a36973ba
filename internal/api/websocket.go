package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"elysium-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// newUpgrader only accepts browser origins listed in allowed_origins.
// An empty list or "*" accepts every origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	// 非浏览器客户端不带 Origin
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// SubscribeRequest is sent by a client to narrow (or widen) the grids it follows.
// A client with no subscriptions receives the events of every grid.
type SubscribeRequest struct {
	Op    string   `json:"op"`    // "subscribe" or "unsubscribe"
	Grids []string `json:"grids"` // grid ids
}

// Hub maintains active websocket connections and broadcasts engine events
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan models.GridEvent
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
}

// NewHub creates a new websocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan models.GridEvent, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger.Sugar(),
	}
}

// Run starts the hub's main loop; it returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Infof("[ws] client connected: %s (total: %d)", client.id, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Infof("[ws] client disconnected: %s (total: %d)", client.id, n)

		case event := <-h.broadcast:
			h.deliver(event)

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues an event for every interested client. It never blocks;
// when the queue is full the event is dropped. It has the shape of a statemanager listener.
func (h *Hub) Broadcast(event models.GridEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warnf("[ws] broadcast queue full, dropping %s for %s", event.Type, event.GridID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(event models.GridEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("[ws] marshal error: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(event.GridID) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client send buffer full, disconnect
			delete(h.clients, client)
			close(client.send)
			h.logger.Warnf("[ws] client %s too slow, disconnected", client.id)
		}
	}
}

// Client represents a websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) wants(gridID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[gridID]
}

func (c *Client) apply(req SubscribeRequest) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, id := range req.Grids {
		if req.Op == "subscribe" {
			c.subscriptions[id] = true
		} else {
			delete(c.subscriptions, id)
		}
	}
}

// readPump pumps subscription requests from the websocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("[ws] read error: %v", err)
			}
			return
		}

		var req SubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Warnf("[ws] invalid message from %s: %v", c.id, err)
			continue
		}
		switch req.Op {
		case "subscribe", "unsubscribe":
			c.apply(req)
		default:
			c.hub.logger.Warnf("[ws] unknown op: %s", req.Op)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles websocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("[ws] upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	if id := r.URL.Query().Get("grid"); id != "" {
		client.subscriptions[id] = true
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
