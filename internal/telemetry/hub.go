package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/idgen"
)

// ErrHubStopped is returned by Connect after Stop.
var ErrHubStopped = errors.New("hub stopped")

// Hub tracks active connections and delivers messages to their outboxes.
//
// LOCK ORDERING:
// 1. h.mu (Hub's RWMutex) - protects clients, heartbeat state, stopped
// 2. Client.mu - protects one client's outbox
//
// Enqueueing never blocks, so fan-out may run under h.mu when ordering
// against registration matters (see Connect).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	config   *config.TimingConfig
	rooms    Unsubscriber
	observer Observer
	logger   *slog.Logger
	newID    func() (string, error)
	now      func() time.Time

	// Heartbeat ticker, running while at least one SSE client is connected
	heartbeatClients int
	heartbeatTicker  *time.Ticker
	stopHeartbeat    chan struct{}

	// Synchronization for shutdown
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithObserver sets the receiver of connection and drop counters.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithIDGenerator replaces the connection id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(h *Hub) {
		if fn != nil {
			h.newID = fn
		}
	}
}

// NewHub creates a hub. rooms, when non-nil, is told about every departure.
func NewHub(timingConfig *config.TimingConfig, rooms Unsubscriber, opts ...Option) *Hub {
	h := &Hub{
		clients:  make(map[string]*Client),
		config:   timingConfig,
		rooms:    rooms,
		observer: noopObserver{},
		logger:   slog.Default(),
		newID:    idgen.ConnectionID,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a new connection. The new client's outbox starts with a
// connected message; every other client is sent client_joined.
func (h *Hub) Connect(w Writer, transport Transport) (*Client, error) {
	id, err := h.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection id: %w", err)
	}
	client := newClient(id, w, transport, h.config.OutboxLimit)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		client.close()
		return nil, ErrHubStopped
	}
	h.clients[id] = client
	active := len(h.clients)
	info := ConnectionInfo{ConnectionID: id, ConnectedClients: active}

	// Queued before the client becomes visible to other senders.
	h.deliver(client, Message{Event: EventConnected, Data: info})
	others := h.snapshotLocked(id)

	if transport == TransportSSE {
		h.heartbeatClients++
		if h.heartbeatTicker == nil {
			h.startHeartbeatLocked()
		}
	}
	h.mu.Unlock()

	h.observer.ConnectionsChanged(active)
	h.logger.Debug("client connected", "connectionId", id, "transport", transport, "active", active)

	joined := Message{Event: EventClientJoined, Data: info}
	for _, other := range others {
		h.deliver(other, joined)
	}
	return client, nil
}

// Disconnect removes a connection, leaves its room and tells the remaining
// clients. It reports whether the connection was active; repeated calls are
// no-ops.
func (h *Hub) Disconnect(connID string) bool {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, connID)
	active := len(h.clients)
	if client.Transport == TransportSSE {
		h.heartbeatClients--
		if h.heartbeatClients == 0 {
			h.stopHeartbeatLocked()
		}
	}
	others := h.snapshotLocked("")
	h.mu.Unlock()

	client.close()
	if h.rooms != nil {
		h.rooms.Unsubscribe(connID)
	}

	h.observer.ConnectionsChanged(active)
	h.logger.Debug("client disconnected", "connectionId", connID, "active", active, "dropped", client.Dropped())

	left := Message{Event: EventClientLeft, Data: ConnectionInfo{ConnectionID: connID, ConnectedClients: active}}
	for _, other := range others {
		h.deliver(other, left)
	}
	return true
}

// ActiveCount returns the number of active connections.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsActive reports whether connID is connected.
func (h *Hub) IsActive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// Send queues msg for one connection regardless of the outbox limit. It is
// used for replay and control messages, which must never be dropped.
// Messages for unknown or departed connections are discarded and Send
// returns false.
func (h *Hub) Send(connID string, msg Message) bool {
	return h.send(connID, msg, false)
}

// SendLive queues a live update for one connection. When the connection
// already has OutboxLimit live updates pending the message is dropped,
// counted, and SendLive returns false; the connection stays open.
func (h *Hub) SendLive(connID string, msg Message) bool {
	return h.send(connID, msg, true)
}

func (h *Hub) send(connID string, msg Message, bounded bool) bool {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliverBounded(client, msg, bounded)
}

// Broadcast queues msg for every connection and returns how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	return h.BroadcastExcept(msg, "")
}

// BroadcastExcept queues msg for every connection but connID.
func (h *Hub) BroadcastExcept(msg Message, connID string) int {
	h.mu.RLock()
	clients := h.snapshotLocked(connID)
	h.mu.RUnlock()

	delivered := 0
	for _, client := range clients {
		if h.deliver(client, msg) {
			delivered++
		}
	}
	return delivered
}

// Serve drains the client's outbox through its writer until ctx ends, the
// client is disconnected or a write fails. The client is disconnected on
// return.
func (h *Hub) Serve(ctx context.Context, client *Client) error {
	defer h.Disconnect(client.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.ctx.Done():
			return nil
		case <-client.wake:
		}

		for _, msg := range client.take() {
			if err := h.write(ctx, client, msg); err != nil {
				h.logger.Debug("client write failed", "connectionId", client.ID, "event", msg.Event, "error", err)
				return fmt.Errorf("failed to write %s to %s: %w", msg.Event, client.ID, err)
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, client *Client, msg Message) error {
	writeCtx := ctx
	if h.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, h.config.WriteTimeout)
		defer cancel()
	}
	return client.writer.WriteMessage(writeCtx, msg)
}

func (h *Hub) deliver(client *Client, msg Message) bool {
	return h.deliverBounded(client, msg, false)
}

func (h *Hub) deliverBounded(client *Client, msg Message, bounded bool) bool {
	err := client.enqueue(msg, bounded)
	if errors.Is(err, errOutboxFull) {
		h.observer.MessageDropped()
		h.logger.Debug("outbox full, message dropped", "connectionId", client.ID, "event", msg.Event)
	}
	return err == nil
}

// snapshotLocked returns every client but except. Caller must hold h.mu.
func (h *Hub) snapshotLocked(except string) []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		if id != except {
			clients = append(clients, client)
		}
	}
	return clients
}

// startHeartbeatLocked starts the heartbeat ticker. Caller must hold h.mu and
// verify h.heartbeatTicker == nil.
func (h *Hub) startHeartbeatLocked() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	stop := make(chan struct{})
	h.heartbeatTicker = ticker
	h.stopHeartbeat = stop

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.sendHeartbeat()
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// stopHeartbeatLocked stops the heartbeat ticker. Caller must hold h.mu.
func (h *Hub) stopHeartbeatLocked() {
	if h.heartbeatTicker == nil {
		return
	}
	close(h.stopHeartbeat)
	h.heartbeatTicker = nil
	h.stopHeartbeat = nil
}

// sendHeartbeat queues a heartbeat for every SSE client.
func (h *Hub) sendHeartbeat() {
	msg := Message{
		Event: EventHeartbeat,
		Data:  Heartbeat{TS: h.now().UTC().Format(time.RFC3339)},
	}

	h.mu.RLock()
	clients := make([]*Client, 0, h.heartbeatClients)
	for _, client := range h.clients {
		if client.Transport == TransportSSE {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.deliver(client, msg)
	}
}

// Stop disconnects every client and stops the heartbeat. Connect fails
// afterwards.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.done)
	h.stopHeartbeatLocked()
	clients := h.snapshotLocked("")
	h.clients = make(map[string]*Client)
	h.heartbeatClients = 0
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		if h.rooms != nil {
			h.rooms.Unsubscribe(client.ID)
		}
	}
	h.observer.ConnectionsChanged(0)

	// Wait for the heartbeat goroutine with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.logger.Warn("heartbeat goroutine did not stop in time")
	}
}
