package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/blockduel/backend/internal/transport"
)

// relayChannel is the pub/sub channel carrying outbound transport
// operations between backend instances.
const relayChannel = "transport_events"

// relayedEvent is the wire form of one channel operation.
type relayedEvent struct {
	Kind         string          `json:"kind"`
	ConnectionID string          `json:"connection_id,omitempty"`
	RoomID       string          `json:"room_id,omitempty"`
	Event        string          `json:"event,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Relay is a transport.Channel that routes every operation through Redis
// pub/sub, so a worker acting on any instance reaches players whose sockets
// live on another. Every instance applies received operations to its local
// hub only; a connection not present locally is a no-op there, so each
// client receives the event exactly once, from the instance holding its
// socket. Per-channel publish order is preserved, which keeps Join ahead of
// the Broadcast that follows it.
type Relay struct {
	rdb   *redis.Client
	local transport.Channel
}

// NewRelay creates a relay publishing through rdb and applying received
// operations to local. Run the subscriber with Run on its own goroutine.
func NewRelay(rdb *redis.Client, local transport.Channel) *Relay {
	return &Relay{rdb: rdb, local: local}
}

func (r *Relay) Send(connectionID, event string, payload interface{}) {
	r.publish(relayedEvent{Kind: "send", ConnectionID: connectionID, Event: event}, payload)
}

func (r *Relay) Broadcast(roomID, event string, payload interface{}) {
	r.publish(relayedEvent{Kind: "broadcast", RoomID: roomID, Event: event}, payload)
}

func (r *Relay) Join(connectionID, roomID string) {
	r.publish(relayedEvent{Kind: "join", ConnectionID: connectionID, RoomID: roomID}, nil)
}

func (r *Relay) Leave(connectionID, roomID string) {
	r.publish(relayedEvent{Kind: "leave", ConnectionID: connectionID, RoomID: roomID}, nil)
}

func (r *Relay) publish(ev relayedEvent, payload interface{}) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Errorf("relay: marshal %s payload failed: %v", ev.Event, err)
			return
		}
		ev.Data = data
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("relay: marshal envelope failed: %v", err)
		return
	}
	if err := r.rdb.Publish(context.Background(), relayChannel, buf).Err(); err != nil {
		log.Errorf("relay: publish %s failed: %v", ev.Kind, err)
	}
}

// Run subscribes to the relay channel and applies incoming operations to the
// local channel until the context is canceled.
func (r *Relay) Run(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	log.Info("transport relay subscriber started")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev relayedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Errorf("relay: invalid payload: %v", err)
				continue
			}
			r.apply(ev)
		}
	}
}

func (r *Relay) apply(ev relayedEvent) {
	switch ev.Kind {
	case "send":
		r.local.Send(ev.ConnectionID, ev.Event, ev.Data)
	case "broadcast":
		r.local.Broadcast(ev.RoomID, ev.Event, ev.Data)
	case "join":
		r.local.Join(ev.ConnectionID, ev.RoomID)
	case "leave":
		r.local.Leave(ev.ConnectionID, ev.RoomID)
	default:
		log.Warnf("relay: unknown operation %q", ev.Kind)
	}
}
