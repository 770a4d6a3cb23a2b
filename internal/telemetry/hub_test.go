package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/room"
)

// recordingWriter captures written messages in a thread-safe way.
type recordingWriter struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (w *recordingWriter) WriteMessage(ctx context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *recordingWriter) messages() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func (w *recordingWriter) count(event string) int {
	n := 0
	for _, msg := range w.messages() {
		if msg.Event == event {
			n++
		}
	}
	return n
}

type countingObserver struct {
	active  atomic.Int64
	dropped atomic.Int64
}

func (o *countingObserver) ConnectionsChanged(active int) { o.active.Store(int64(active)) }
func (o *countingObserver) MessageDropped()               { o.dropped.Add(1) }

func sequentialIDs() func() (string, error) {
	var n atomic.Int64
	return func() (string, error) {
		return fmt.Sprintf("c%d", n.Add(1)), nil
	}
}

func newTestHub(t *testing.T, rooms Unsubscriber, opts ...Option) *Hub {
	t.Helper()
	cfg := config.LoadBaseline().Timing
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.WriteTimeout = time.Second
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	hub := NewHub(&cfg, rooms, opts...)
	t.Cleanup(hub.Stop)
	return hub
}

func mustConnect(t *testing.T, hub *Hub, transport Transport) (*Client, *recordingWriter) {
	t.Helper()
	w := &recordingWriter{}
	client, err := hub.Connect(w, transport)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	return client, w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectAnnouncesClients(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, _ := mustConnect(t, hub, TransportWebSocket)
	c2, _ := mustConnect(t, hub, TransportWebSocket)

	if hub.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", hub.ActiveCount())
	}

	first := c1.take()
	if len(first) != 2 {
		t.Fatalf("c1 received %d messages, want 2", len(first))
	}
	if first[0].Event != EventConnected || first[0].Data != (ConnectionInfo{ConnectionID: "c1", ConnectedClients: 1}) {
		t.Errorf("c1 first message = %+v", first[0])
	}
	if first[1].Event != EventClientJoined || first[1].Data != (ConnectionInfo{ConnectionID: "c2", ConnectedClients: 2}) {
		t.Errorf("c1 second message = %+v", first[1])
	}

	second := c2.take()
	if len(second) != 1 || second[0].Event != EventConnected {
		t.Fatalf("c2 messages = %+v, want only connected", second)
	}
	if info := second[0].Data.(ConnectionInfo); info.ConnectedClients != 2 {
		t.Errorf("c2 connectedClients = %d, want 2", info.ConnectedClients)
	}
}

func TestDisconnectIsIdempotentAndLeavesRoom(t *testing.T) {
	registry := room.NewRegistry()
	hub := newTestHub(t, registry)

	c1, _ := mustConnect(t, hub, TransportWebSocket)
	c2, _ := mustConnect(t, hub, TransportWebSocket)
	registry.Subscribe(c1.ID, "d1")
	c2.take()

	if !hub.Disconnect(c1.ID) {
		t.Fatal("first Disconnect() = false, want true")
	}
	if hub.Disconnect(c1.ID) {
		t.Error("second Disconnect() = true, want false")
	}

	if members := registry.MembersOf("d1"); len(members) != 0 {
		t.Errorf("room still holds %v after disconnect", members)
	}
	if hub.ActiveCount() != 1 || hub.IsActive(c1.ID) {
		t.Errorf("ActiveCount() = %d, IsActive(c1) = %v", hub.ActiveCount(), hub.IsActive(c1.ID))
	}

	msgs := c2.take()
	if len(msgs) != 1 || msgs[0].Event != EventClientLeft {
		t.Fatalf("c2 messages = %+v, want one client_left", msgs)
	}
	if info := msgs[0].Data.(ConnectionInfo); info.ConnectionID != c1.ID || info.ConnectedClients != 1 {
		t.Errorf("client_left payload = %+v", info)
	}

	select {
	case <-c1.Done():
	default:
		t.Error("disconnected client context not cancelled")
	}
}

func TestSendToDepartedConnectionIsDiscarded(t *testing.T) {
	hub := newTestHub(t, nil)
	c1, _ := mustConnect(t, hub, TransportWebSocket)
	hub.Disconnect(c1.ID)

	if hub.Send(c1.ID, Message{Event: EventPong}) {
		t.Error("Send() to departed connection = true, want false")
	}
	if hub.Send("unknown", Message{Event: EventPong}) {
		t.Error("Send() to unknown connection = true, want false")
	}
	if c1.Pending() != 0 {
		t.Errorf("departed client has %d pending messages", c1.Pending())
	}
}

func TestOutboxOverflowDropsWithoutClosing(t *testing.T) {
	obs := &countingObserver{}
	cfg := config.LoadBaseline().Timing
	cfg.OutboxLimit = 2
	hub := NewHub(&cfg, nil, WithIDGenerator(sequentialIDs()), WithObserver(obs))
	defer hub.Stop()

	c1, _ := mustConnect(t, hub, TransportWebSocket) // outbox: connected

	if !hub.SendLive(c1.ID, Message{Event: "a"}) || !hub.SendLive(c1.ID, Message{Event: "b"}) {
		t.Fatal("SendLive() within limit failed")
	}
	if hub.SendLive(c1.ID, Message{Event: "c"}) {
		t.Error("SendLive() over limit = true, want false")
	}

	if c1.Dropped() != 1 || obs.dropped.Load() != 1 {
		t.Errorf("dropped = %d (observer %d), want 1", c1.Dropped(), obs.dropped.Load())
	}
	if !hub.IsActive(c1.ID) {
		t.Error("overflow must not close the connection")
	}

	// Control messages are queued even when the live budget is spent.
	if !hub.Send(c1.ID, Message{Event: "ack"}) {
		t.Error("Send() with full live budget failed")
	}

	msgs := c1.take()
	if len(msgs) != 4 || msgs[1].Event != "a" || msgs[2].Event != "b" || msgs[3].Event != "ack" {
		t.Errorf("outbox = %+v", msgs)
	}
	if !hub.SendLive(c1.ID, Message{Event: "d"}) {
		t.Error("SendLive() after drain failed")
	}
}

func TestSendIgnoresOutboxLimit(t *testing.T) {
	cfg := config.LoadBaseline().Timing
	cfg.OutboxLimit = 4
	hub := NewHub(&cfg, nil, WithIDGenerator(sequentialIDs()))
	defer hub.Stop()

	c1, _ := mustConnect(t, hub, TransportSSE)
	for i := 0; i < 100; i++ {
		if !hub.Send(c1.ID, Message{ID: uint64(i + 1), Event: EventLocationUpdate}) {
			t.Fatalf("Send() %d failed", i)
		}
	}
	if c1.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", c1.Dropped())
	}
	// Replay in the queue does not consume the live budget.
	for i := 0; i < 4; i++ {
		if !hub.SendLive(c1.ID, Message{Event: EventLocationUpdate}) {
			t.Fatalf("SendLive() %d failed behind a long replay", i)
		}
	}
	if got := c1.Pending(); got != 105 {
		t.Errorf("Pending() = %d, want 105", got)
	}
}

func TestBroadcastExcept(t *testing.T) {
	hub := newTestHub(t, nil)
	c1, _ := mustConnect(t, hub, TransportWebSocket)
	c2, _ := mustConnect(t, hub, TransportWebSocket)
	c3, _ := mustConnect(t, hub, TransportWebSocket)
	for _, c := range []*Client{c1, c2, c3} {
		c.take()
	}

	if n := hub.BroadcastExcept(Message{Event: EventServerError}, c2.ID); n != 2 {
		t.Errorf("BroadcastExcept() = %d, want 2", n)
	}
	if len(c1.take()) != 1 || len(c2.take()) != 0 || len(c3.take()) != 1 {
		t.Error("BroadcastExcept() delivered to the wrong clients")
	}

	if n := hub.Broadcast(Message{Event: EventEventsReset}); n != 3 {
		t.Errorf("Broadcast() = %d, want 3", n)
	}
}

func TestServeDeliversInOrder(t *testing.T) {
	hub := newTestHub(t, nil)
	client, w := mustConnect(t, hub, TransportWebSocket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx, client) }()

	const total = 200
	for i := 1; i <= total; i++ {
		hub.Send(client.ID, Message{ID: uint64(i), Event: EventLocationUpdate})
	}
	waitFor(t, func() bool { return len(w.messages()) == total+1 })

	msgs := w.messages()
	if msgs[0].Event != EventConnected {
		t.Errorf("first message = %s, want connected", msgs[0].Event)
	}
	for i := 1; i <= total; i++ {
		if msgs[i].ID != uint64(i) {
			t.Fatalf("message %d has id %d", i, msgs[i].ID)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v, want nil on cancel", err)
	}
	if hub.IsActive(client.ID) {
		t.Error("client still active after Serve returned")
	}
}

func TestServeWriteFailureDisconnects(t *testing.T) {
	hub := newTestHub(t, nil)
	w := &recordingWriter{err: errors.New("broken pipe")}
	client, err := hub.Connect(w, TransportWebSocket)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	if err := hub.Serve(context.Background(), client); err == nil {
		t.Error("Serve() = nil, want write error")
	}
	if hub.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", hub.ActiveCount())
	}
}

func TestServeReturnsWhenDisconnected(t *testing.T) {
	hub := newTestHub(t, nil)
	client, _ := mustConnect(t, hub, TransportWebSocket)

	done := make(chan error, 1)
	go func() { done <- hub.Serve(context.Background(), client) }()

	hub.Disconnect(client.ID)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Disconnect")
	}
}

func TestHeartbeatOnlyForStreamClients(t *testing.T) {
	hub := newTestHub(t, nil)
	sse, sseWriter := mustConnect(t, hub, TransportSSE)
	ws, wsWriter := mustConnect(t, hub, TransportWebSocket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Serve(ctx, sse)
	go hub.Serve(ctx, ws)

	waitFor(t, func() bool { return sseWriter.count(EventHeartbeat) >= 2 })
	if n := wsWriter.count(EventHeartbeat); n != 0 {
		t.Errorf("websocket client received %d heartbeats", n)
	}

	hub.mu.RLock()
	running := hub.heartbeatTicker != nil
	hub.mu.RUnlock()
	if !running {
		t.Fatal("heartbeat not running with an SSE client")
	}

	hub.Disconnect(sse.ID)
	hub.mu.RLock()
	running = hub.heartbeatTicker != nil
	hub.mu.RUnlock()
	if running {
		t.Error("heartbeat still running after last SSE client left")
	}
}

func TestStop(t *testing.T) {
	registry := room.NewRegistry()
	obs := &countingObserver{}
	hub := newTestHub(t, registry, WithObserver(obs))
	c1, _ := mustConnect(t, hub, TransportSSE)
	registry.Subscribe(c1.ID, "d1")

	hub.Stop()
	hub.Stop()

	select {
	case <-c1.Done():
	default:
		t.Error("client not cancelled by Stop()")
	}
	if hub.ActiveCount() != 0 || obs.active.Load() != 0 {
		t.Errorf("ActiveCount() = %d, observer = %d", hub.ActiveCount(), obs.active.Load())
	}
	if registry.Len() != 0 {
		t.Errorf("registry holds %d subscriptions after Stop()", registry.Len())
	}
	if _, err := hub.Connect(&recordingWriter{}, TransportWebSocket); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Connect() after Stop() error = %v, want ErrHubStopped", err)
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	registry := room.NewRegistry()
	obs := &countingObserver{}
	hub := newTestHub(t, registry, WithObserver(obs))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transport := TransportWebSocket
			if i%2 == 0 {
				transport = TransportSSE
			}
			client, err := hub.Connect(&recordingWriter{}, transport)
			if err != nil {
				t.Errorf("Connect() failed: %v", err)
				return
			}
			registry.Subscribe(client.ID, "d1")
			hub.Broadcast(Message{Event: "noise"})
			hub.Disconnect(client.ID)
		}(i)
	}
	wg.Wait()

	if hub.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", hub.ActiveCount())
	}
	if registry.Len() != 0 {
		t.Errorf("registry holds %d subscriptions", registry.Len())
	}
	if err := registry.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant() = %v", err)
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.heartbeatClients != 0 || hub.heartbeatTicker != nil {
		t.Errorf("heartbeat state leaked: clients=%d running=%v", hub.heartbeatClients, hub.heartbeatTicker != nil)
	}
}

func BenchmarkBroadcast(b *testing.B) {
	for _, count := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("Clients_%d", count), func(b *testing.B) {
			cfg := config.LoadBaseline().Timing
			hub := NewHub(&cfg, nil)
			defer hub.Stop()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			for i := 0; i < count; i++ {
				client, err := hub.Connect(&recordingWriter{}, TransportWebSocket)
				if err != nil {
					b.Fatal(err)
				}
				go hub.Serve(ctx, client)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				hub.Broadcast(Message{ID: uint64(i + 1), Event: EventLocationUpdate})
			}
		})
	}
}
