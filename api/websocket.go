package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"logdeck/models"
	"logdeck/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // tool runs on localhost; UI origin varies
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// wsEvent is the JSON envelope pushed to clients.
type wsEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type Client struct {
	hub        *WebSocketHub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.Mutex
	subscribed map[string]bool // device ids, or "all"
}

func (c *Client) wants(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[deviceID] || c.subscribed["all"]
}

// WebSocketHub fans events out to connected UI clients. Device-set events go
// to everyone; log batches go only to clients subscribed to that device.
type WebSocketHub struct {
	log        zerolog.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		log:        log.With().Str("component", "ws").Logger(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", n).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", n).Msg("client disconnected")
		}
	}
}

func (h *WebSocketHub) broadcast(deviceFilter string, evt wsEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error().Err(err).Str("type", evt.Type).Msg("event marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if deviceFilter != "" && !client.wants(deviceFilter) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client: drop rather than block the event path.
			h.log.Debug().Str("type", evt.Type).Msg("client send buffer full, dropping event")
		}
	}
}

// BroadcastToAll pushes an event to every connected client.
func (h *WebSocketHub) BroadcastToAll(eventType string, payload any) {
	h.broadcast("", wsEvent{Type: eventType, Payload: payload})
}

// BroadcastToDevice pushes an event to clients subscribed to a device.
func (h *WebSocketHub) BroadcastToDevice(deviceID, eventType string, payload any) {
	h.broadcast(deviceID, wsEvent{Type: eventType, Payload: payload})
}

// EventBridge adapts the service dispatcher's listener interfaces onto the
// hub, so core components stay unaware of websockets.
type EventBridge struct {
	hub *WebSocketHub
}

var (
	_ service.DeviceListener = (*EventBridge)(nil)
	_ service.LogListener    = (*EventBridge)(nil)
)

func NewEventBridge(hub *WebSocketHub) *EventBridge {
	return &EventBridge{hub: hub}
}

func (b *EventBridge) DeviceConnected(d models.Device) {
	b.hub.BroadcastToAll("device_connected", d)
}

func (b *EventBridge) DeviceDisconnected(d models.Device) {
	b.hub.BroadcastToAll("device_disconnected", d)
}

func (b *EventBridge) DevicesChanged(current []models.Device) {
	b.hub.BroadcastToAll("devices_changed", current)
}

func (b *EventBridge) LogBatch(sessionID, deviceID, text string, lines int) {
	b.hub.BroadcastToDevice(deviceID, "log_batch", gin.H{
		"session_id": sessionID,
		"device_id":  deviceID,
		"lines":      lines,
		"text":       text,
	})
}

// HandleWebSocket upgrades the connection and registers the client.
func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 64),
		subscribed: map[string]bool{"all": true},
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump handles subscription messages from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg struct {
			Type     string `json:"type"`
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.DeviceID == "" {
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			delete(c.subscribed, "all")
			c.subscribed[msg.DeviceID] = true
		case "unsubscribe":
			delete(c.subscribed, msg.DeviceID)
		}
		c.mu.Unlock()
	}
}

// writePump pushes queued events plus keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
