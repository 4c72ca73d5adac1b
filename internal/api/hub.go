package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

const (
	sendBufferSize = 256
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type      string   `json:"type"`
	EventType string   `json:"event_type,omitempty"`
	Device    string   `json:"device,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Payload   any      `json:"payload,omitempty"`
	Devices   []string `json:"devices,omitempty"`
}

// StateReader resolves the live state carried by StateUpdated events.
type StateReader interface {
	ChannelState(mac, channelID string) (device.ChannelState, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans bus events out to websocket clients. A client that sent a
// subscribe message only receives events of the listed devices.
type Hub struct {
	states StateReader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	devices map[string]struct{}
}

// NewHub creates a hub reading state from states.
func NewHub(states StateReader) *Hub {
	return &Hub{states: states, clients: make(map[*client]struct{})}
}

// Run subscribes to the bus and disconnects every client once ctx is done.
func (h *Hub) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.SubscribeAll(h.broadcast)
	<-ctx.Done()
	sub.Unsubscribe()
	h.closeAll()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Int("clients", h.ClientCount()).Msg("Websocket client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// render converts an event into the outbound message.
func (h *Hub) render(ev eventbus.Event) (Message, bool) {
	msg := Message{
		Type:      "event",
		EventType: ev.Kind().String(),
		Device:    ev.Device(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch e := ev.(type) {
	case eventbus.StateUpdated:
		st, ok := h.states.ChannelState(e.DeviceID, e.ChannelID)
		if !ok {
			return Message{}, false
		}
		msg.Channel = e.ChannelID
		msg.Payload = st
	case eventbus.ButtonPressed:
		msg.Payload = map[string]any{"button": e.Button, "action": string(e.Action)}
	case eventbus.MotionPushed:
		msg.Payload = map[string]any{"motion": e.Motion}
	default:
		return Message{}, false
	}
	return msg, true
}

func (h *Hub) broadcast(ev eventbus.Event) {
	if h.ClientCount() == 0 {
		return
	}
	msg, ok := h.render(ev)
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode websocket message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.Device) {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("Websocket client too slow, dropping message")
		}
	}
}

func (c *client) wants(mac string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil {
		return true
	}
	_, ok := c.devices[mac]
	return ok
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.devices = make(map[string]struct{}, len(msg.Devices))
			for _, mac := range msg.Devices {
				c.devices[device.NormalizeMAC(mac)] = struct{}{}
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			c.devices = nil
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
