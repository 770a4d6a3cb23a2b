package relay

import (
	"time"

	"github.com/fleet-relay/dlr/internal/eventlog"
)

// IngestRequest is the producer's event body.
type IngestRequest struct {
	Event eventlog.Kind `json:"event"`
	Data  *LocationData `json:"data"`
}

// LocationData is the positional part of an event.
type LocationData struct {
	Driver    string  `json:"driver"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

// IngestResult acknowledges an ingested event.
type IngestResult struct {
	Notified int    `json:"notified"`
	Seq      uint64 `json:"seq"`
	DriverID string `json:"driverId"`
}

// SubscribeRequest asks for one driver's stream. Since is the optional replay
// cursor; AfterSeq resumes after a known sequence (SSE Last-Event-ID).
type SubscribeRequest struct {
	DriverID string  `json:"driver_id"`
	Since    *string `json:"since,omitempty"`
	AfterSeq uint64  `json:"-"`
}

// LocationUpdate is the payload of location_update. Replay is set only on
// replayed events.
type LocationUpdate struct {
	Seq        uint64        `json:"seq"`
	Event      eventlog.Kind `json:"event"`
	Data       LocationData  `json:"data"`
	ReceivedAt string        `json:"receivedAt"`
	Replay     bool          `json:"replay,omitempty"`
}

// NewLocationUpdate builds the wire form of a stored event.
func NewLocationUpdate(e eventlog.Event, replay bool) LocationUpdate {
	return LocationUpdate{
		Seq:   e.Seq,
		Event: e.Kind,
		Data: LocationData{
			Driver:    e.DriverID,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Timestamp: e.RecordedAt,
		},
		ReceivedAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Replay:     replay,
	}
}

// SubscriptionSuccess is the payload of subscription_success.
type SubscriptionSuccess struct {
	DriverID       string  `json:"driverId"`
	Since          *string `json:"since"`
	SubscriptionID string  `json:"subscriptionId"`
	Replayed       int     `json:"replayed"`
}

// ErrorPayload is the payload of subscription_error, error and server_error.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Unsubscribed is the payload of unsubscribed.
type Unsubscribed struct {
	DriverID string `json:"driverId,omitempty"`
	Left     bool   `json:"left"`
}

// EventsReset is the payload of events_reset.
type EventsReset struct {
	Removed int    `json:"removed"`
	TS      string `json:"ts"`
}

// Status is the relay snapshot served by the status endpoint.
type Status struct {
	ConnectedClients int            `json:"connectedClients"`
	Rooms            map[string]int `json:"rooms"`
	StoredEvents     int            `json:"storedEvents"`
	Drivers          int            `json:"drivers"`
}
