// Package ws is the realtime transport: one websocket per player, a hub
// keyed by connection id, and rooms for per-match broadcast. The hub is the
// concrete transport.Channel the coordinator and series manager write to.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// serverMessage is the envelope for every outbound event.
type serverMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Hub maintains the set of active clients and their room membership.
// Connection ids are stable per account, so a reconnect registers under the
// same id and replaces the old socket instead of counting as a new player.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connectionID -> client
	rooms   map[string]map[string]*Client // roomID -> connectionID -> client

	register   chan *Client
	unregister chan *Client

	onRegister   func(connectionID string, reconnect bool)
	onUnregister func(connectionID string)
}

// NewHub creates a hub. Install lifecycle hooks with setLifecycleHooks
// before running it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// setLifecycleHooks installs the callbacks that run on the hub goroutine
// whenever a connection is (re)established or definitively lost; a socket
// replaced by a reconnect does not fire onUnregister.
func (h *Hub) setLifecycleHooks(onRegister func(connectionID string, reconnect bool), onUnregister func(connectionID string)) {
	h.onRegister = onRegister
	h.onUnregister = onUnregister
}

// Run processes register and unregister traffic until the context would stop
// the server; run it on its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			reconnect := h.replace(client)
			log.WithField("connection_id", client.connectionID).Infof("client connected (reconnect=%t)", reconnect)
			if h.onRegister != nil {
				h.onRegister(client.connectionID, reconnect)
			}

		case client := <-h.unregister:
			if !h.drop(client) {
				// Already replaced by a newer socket for the same
				// connection id.
				continue
			}
			log.WithField("connection_id", client.connectionID).Info("client disconnected")
			if h.onUnregister != nil {
				h.onUnregister(client.connectionID)
			}
		}
	}
}

// replace installs a client, closing any previous socket registered under the
// same connection id. Returns whether this was a reconnect. Room membership
// carries over so a reconnecting player keeps receiving match traffic.
func (h *Hub) replace(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	old, reconnect := h.clients[client.connectionID]
	if reconnect {
		old.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by new connection"),
			time.Now().Add(5*time.Second))
		old.conn.Close()
		close(old.send)
	}

	h.clients[client.connectionID] = client
	for _, room := range h.rooms {
		if _, member := room[client.connectionID]; member {
			room[client.connectionID] = client
		}
	}
	return reconnect
}

// drop removes a client if it is still the registered socket for its
// connection id. Returns false when a replacement already took over.
func (h *Hub) drop(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.clients[client.connectionID]
	if !ok || cur != client {
		return false
	}
	delete(h.clients, client.connectionID)
	for roomID, room := range h.rooms {
		delete(room, client.connectionID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(client.send)
	return true
}

// Send delivers an event to a single connection. Best effort: a gone
// connection or a full buffer drops the message.
func (h *Hub) Send(connectionID, event string, payload interface{}) {
	data, err := json.Marshal(serverMessage{Event: event, Data: payload})
	if err != nil {
		log.Errorf("ws: marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[connectionID]
	if !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		log.WithField("connection_id", connectionID).Warnf("send buffer full, dropping %s", event)
	}
}

// Broadcast delivers an event to every connection in a room.
func (h *Hub) Broadcast(roomID, event string, payload interface{}) {
	data, err := json.Marshal(serverMessage{Event: event, Data: payload})
	if err != nil {
		log.Errorf("ws: marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, client := range h.rooms[roomID] {
		select {
		case client.send <- data:
		default:
			log.WithField("connection_id", connID).Warnf("send buffer full in room %s, dropping %s", roomID, event)
		}
	}
}

// Join adds a connection to a room. A connection with no live client is
// ignored.
func (h *Hub) Join(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connectionID]
	if !ok {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connectionID] = client
}

// Leave removes a connection from a room.
func (h *Hub) Leave(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}
