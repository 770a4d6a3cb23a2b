package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleet-relay/dlr/internal/eventlog"
	"github.com/fleet-relay/dlr/internal/metrics"
	"github.com/fleet-relay/dlr/internal/room"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

// Relay routes producer events and subscriber requests.
type Relay struct {
	// seq orders ingest fan-out against subscribe replay
	seq sync.Mutex

	store *eventlog.Store
	rooms *room.Registry
	hub   *telemetry.Hub

	// Optional collaborators
	directory   DriverDirectory
	auditLogger AuditLogger
	metrics     Metrics
	logger      *slog.Logger

	now func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithDirectory sets the driver directory.
func WithDirectory(d DriverDirectory) Option {
	return func(r *Relay) { r.directory = d }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l AuditLogger) Option {
	return func(r *Relay) { r.auditLogger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a relay over the given store, registry and hub. The hub must
// have been created with the same registry so departures leave their rooms.
func New(store *eventlog.Store, rooms *room.Registry, hub *telemetry.Hub, opts ...Option) *Relay {
	r := &Relay{
		store:   store,
		rooms:   rooms,
		hub:     hub,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe moves connID into the requested driver's room, replays the
// matching stored events to it and acknowledges with subscription_success.
// An empty driver id is answered with subscription_error and no room is
// joined.
func (r *Relay) Subscribe(ctx context.Context, connID string, req SubscribeRequest) error {
	driverID := strings.TrimSpace(req.DriverID)
	if driverID == "" {
		verr := missingField("driver_id")
		r.metrics.Subscribed("error")
		if r.hub.Send(connID, telemetry.Message{
			Event: telemetry.EventSubscriptionError,
			Data:  ErrorPayload{Code: verr.Code(), Message: verr.Error(), Field: verr.Field},
		}) {
			r.metrics.Delivered(metrics.KindControl, 1)
		}
		return verr
	}

	cursor := eventlog.Cursor{AfterSeq: req.AfterSeq}
	if req.Since != nil {
		// Unparseable cursors replay everything.
		if since, ok := eventlog.ParseTimestamp(*req.Since); ok {
			cursor.Since = &since
		}
	}

	replayed, err := r.subscribe(connID, driverID, cursor, req.Since)
	if err != nil {
		r.metrics.Subscribed("error")
		return err
	}

	r.metrics.Subscribed("ok")
	r.logger.Debug("subscribed", "connectionId", connID, "driverId", driverID, "replayed", replayed)
	return nil
}

func (r *Relay) subscribe(connID, driverID string, cursor eventlog.Cursor, since *string) (int, error) {
	r.seq.Lock()
	defer r.seq.Unlock()

	r.rooms.Subscribe(connID, driverID)
	// Disconnect removes the client before leaving the room, so a client
	// that is gone here has already been unsubscribed or never will be.
	if !r.hub.IsActive(connID) {
		r.rooms.Unsubscribe(connID)
		return 0, ErrConnectionClosed
	}

	events := r.store.Query(driverID, cursor)
	replayed := 0
	for _, e := range events {
		if r.hub.Send(connID, telemetry.Message{
			ID:    e.Seq,
			Event: telemetry.EventLocationUpdate,
			Data:  NewLocationUpdate(e, true),
		}) {
			replayed++
		}
	}
	r.metrics.Delivered(metrics.KindReplay, replayed)

	if r.hub.Send(connID, telemetry.Message{
		Event: telemetry.EventSubscriptionSuccess,
		Data: SubscriptionSuccess{
			DriverID:       driverID,
			Since:          since,
			SubscriptionID: connID,
			Replayed:       replayed,
		},
	}) {
		r.metrics.Delivered(metrics.KindControl, 1)
	}
	return replayed, nil
}

// Unsubscribe removes connID from its room and acknowledges with
// unsubscribed. It is a no-op for connections without a subscription.
func (r *Relay) Unsubscribe(ctx context.Context, connID string) error {
	r.seq.Lock()
	driverID, left := r.rooms.Unsubscribe(connID)
	sent := r.hub.Send(connID, telemetry.Message{
		Event: telemetry.EventUnsubscribed,
		Data:  Unsubscribed{DriverID: driverID, Left: left},
	})
	r.seq.Unlock()

	if sent {
		r.metrics.Delivered(metrics.KindControl, 1)
	}
	return nil
}

// Ingest validates and stores one event and pushes it to every connection in
// the driver's room. The result reports how many connections accepted it.
func (r *Relay) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()

	if req.Data == nil {
		return nil, r.reject(ctx, "", missingField("data"))
	}
	driverID := strings.TrimSpace(req.Data.Driver)
	if driverID == "" {
		return nil, r.reject(ctx, "", missingField("data.driver"))
	}

	event := eventlog.Event{
		Kind:       req.Event,
		OccurredAt: r.now().UTC(),
		DriverID:   driverID,
		Latitude:   req.Data.Latitude,
		Longitude:  req.Data.Longitude,
		RecordedAt: req.Data.Timestamp,
	}

	stored, notified, count, err := r.dispatch(event)
	if err != nil {
		if errors.Is(err, eventlog.ErrEmptyDriver) {
			return nil, r.reject(ctx, driverID, missingField("data.driver"))
		}
		r.logAudit(ctx, "ingest", driverID, nil, "ERROR", err)
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	if r.directory != nil {
		r.directory.Record(stored)
	}
	r.metrics.EventIngested(count)
	r.metrics.Delivered(metrics.KindLive, notified)

	r.logAudit(ctx, "ingest", driverID, map[string]any{
		"seq":       stored.Seq,
		"event":     stored.Kind.Name,
		"latitude":  stored.Latitude,
		"longitude": stored.Longitude,
		"notified":  notified,
		"latencyMs": time.Since(start).Milliseconds(),
	}, "SUCCESS", nil)

	return &IngestResult{Notified: notified, Seq: stored.Seq, DriverID: driverID}, nil
}

// dispatch appends the event and queues it for the driver's room. It also
// returns the store size seen under the sequencing lock.
func (r *Relay) dispatch(event eventlog.Event) (eventlog.Event, int, int, error) {
	r.seq.Lock()
	defer r.seq.Unlock()

	ref, err := r.store.Append(event)
	if err != nil {
		return eventlog.Event{}, 0, 0, err
	}
	event.Seq = ref.Seq
	event.DriverID = ref.DriverID

	msg := telemetry.Message{
		ID:    event.Seq,
		Event: telemetry.EventLocationUpdate,
		Data:  NewLocationUpdate(event, false),
	}
	notified := 0
	for _, connID := range r.rooms.MembersOf(event.DriverID) {
		// Departed connections are skipped silently.
		if r.hub.SendLive(connID, msg) {
			notified++
		}
	}
	return event, notified, r.store.Count(), nil
}

func (r *Relay) reject(ctx context.Context, driverID string, verr *ValidationError) error {
	r.metrics.EventRejected("validation")
	r.logAudit(ctx, "ingest", driverID, map[string]any{"field": verr.Field}, "REJECTED", verr)
	return verr
}

// Reset clears the event log and the driver directory and sends
// events_reset once to every connection. Room membership is kept.
func (r *Relay) Reset(ctx context.Context) (int, error) {
	r.seq.Lock()
	removed := r.store.Reset()
	if r.directory != nil {
		r.directory.Reset()
	}
	notified := r.hub.Broadcast(telemetry.Message{
		Event: telemetry.EventEventsReset,
		Data:  EventsReset{Removed: removed, TS: r.now().UTC().Format(time.RFC3339)},
	})
	r.seq.Unlock()

	r.metrics.StoreSize(0)
	r.metrics.Delivered(metrics.KindControl, notified)
	r.logAudit(ctx, "reset", "", map[string]any{"removed": removed, "notified": notified}, "SUCCESS", nil)
	r.logger.Info("event log reset", "removed", removed, "notified", notified)
	return removed, nil
}

// Recent returns up to limit of the newest events, oldest first, and the
// total number stored.
func (r *Relay) Recent(limit int) ([]eventlog.Event, int) {
	return r.store.Recent(limit), r.store.Count()
}

// Status returns connection, room and storage counts.
func (r *Relay) Status() Status {
	drivers := r.store.Drivers()
	return Status{
		ConnectedClients: r.hub.ActiveCount(),
		Rooms:            r.rooms.Rooms(),
		StoredEvents:     r.store.Count(),
		Drivers:          drivers,
	}
}

// ReportFault logs an internal fault and broadcasts server_error to every
// connection.
func (r *Relay) ReportFault(ctx context.Context, err error, correlationID string) {
	r.metrics.Fault()
	r.logger.Error("internal fault", "error", err, "correlationId", correlationID)

	notified := r.hub.Broadcast(telemetry.Message{
		Event: telemetry.EventServerError,
		Data: ErrorPayload{
			Code:          CodeInternal,
			Message:       "internal server error",
			CorrelationID: correlationID,
		},
	})
	r.metrics.Delivered(metrics.KindControl, notified)
}

// logAudit logs an audit record for a producer action.
func (r *Relay) logAudit(ctx context.Context, action, driverID string, params map[string]any, outcome string, err error) {
	if r.auditLogger != nil {
		r.auditLogger.LogAction(ctx, action, driverID, params, outcome, err)
	}
}
