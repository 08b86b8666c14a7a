package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster writes events to authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends a named event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg to all authenticated clients, stamping type,
// sequence and timestamp when unset
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	b.send(b.clients.Authenticated(), b.stamp(msg))
}

// BroadcastToClient sends msg to one client only
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.IsAuthenticated() {
		b.logger.Debug().Str("clientId", clientID).Str("event", msg.Event).Msg("Client gone, dropping event")
		return
	}
	b.send([]*Client{client}, b.stamp(msg))
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

func (b *EventBroadcaster) send(clients []*Client, msg EventMessage) {
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", msg.Event).Msg("Failed to send event")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event sent")
}
