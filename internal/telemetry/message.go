package telemetry

import (
	"context"
)

// Event names carried on subscriber connections.
const (
	EventConnected           = "connected"
	EventClientJoined        = "client_joined"
	EventClientLeft          = "client_left"
	EventHeartbeat           = "heartbeat"
	EventLocationUpdate      = "location_update"
	EventSubscriptionSuccess = "subscription_success"
	EventSubscriptionError   = "subscription_error"
	EventUnsubscribed        = "unsubscribed"
	EventEventsReset         = "events_reset"
	EventServerError         = "server_error"
	EventError               = "error"
	EventPong                = "pong"
)

// Message is one outbound frame. ID carries the event log sequence of a
// location update and is 0 for every other message.
type Message struct {
	ID    uint64 `json:"-"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ConnectionInfo is the payload of connected, client_joined and client_left.
type ConnectionInfo struct {
	ConnectionID     string `json:"connectionId"`
	ConnectedClients int    `json:"connectedClients"`
}

// Heartbeat is the payload of heartbeat.
type Heartbeat struct {
	TS string `json:"ts"`
}

// Transport identifies how a connection is served.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Writer puts one message on a connection's wire.
type Writer interface {
	WriteMessage(ctx context.Context, msg Message) error
}

// Unsubscriber removes a departed connection from its room.
type Unsubscriber interface {
	Unsubscribe(connID string) (string, bool)
}

// Observer receives hub counters.
type Observer interface {
	ConnectionsChanged(active int)
	MessageDropped()
}

type noopObserver struct{}

func (noopObserver) ConnectionsChanged(int) {}
func (noopObserver) MessageDropped()        {}
