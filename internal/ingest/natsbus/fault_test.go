package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/eventlog"
	"github.com/fleet-relay/dlr/internal/relay"
	"github.com/fleet-relay/dlr/internal/room"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

// scriptedIngester runs ingest in place of the relay's own Ingest while
// keeping its fault reporting.
type scriptedIngester struct {
	*relay.Relay
	ingest func(ctx context.Context, req relay.IngestRequest) (*relay.IngestResult, error)
}

func (s *scriptedIngester) Ingest(ctx context.Context, req relay.IngestRequest) (*relay.IngestResult, error) {
	return s.ingest(ctx, req)
}

type messageSink struct {
	mu   sync.Mutex
	msgs []telemetry.Message
}

func (s *messageSink) WriteMessage(ctx context.Context, msg telemetry.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *messageSink) named(event string) []telemetry.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Message
	for _, msg := range s.msgs {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

type faultEnv struct {
	sub  *Subscriber
	pub  *nats.Conn
	sink *messageSink
}

func newFaultEnv(t *testing.T, ingest func(context.Context, relay.IngestRequest) (*relay.IngestResult, error)) *faultEnv {
	t.Helper()
	url := startTestNATS(t)

	timing := config.TimingConfig{HeartbeatInterval: time.Hour, WriteTimeout: time.Second, OutboxLimit: 16}
	rooms := room.NewRegistry()
	hub := telemetry.NewHub(&timing, rooms)
	t.Cleanup(hub.Stop)
	rl := relay.New(eventlog.NewStore(0), rooms, hub)

	sink := &messageSink{}
	client, err := hub.Connect(sink, telemetry.TransportWebSocket)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Serve(ctx, client)

	sub, err := Connect(config.NATSConfig{URL: url, Subject: "dlr.events.>", Name: "dlr-test"},
		&scriptedIngester{Relay: rl, ingest: ingest}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	require.NoError(t, sub.Start())

	pub, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	return &faultEnv{sub: sub, pub: pub, sink: sink}
}

func (e *faultEnv) request(t *testing.T, correlationID string) reply {
	t.Helper()
	msg := nats.NewMsg("dlr.events.d1")
	msg.Data = eventJSON(t, "d1")
	if correlationID != "" {
		msg.Header.Set(CorrelationHeader, correlationID)
	}
	resp, err := e.pub.RequestMsg(msg, 2*time.Second)
	require.NoError(t, err)

	var r reply
	require.NoError(t, json.Unmarshal(resp.Data, &r))
	return r
}

func TestIngestFaultIsBroadcast(t *testing.T) {
	tests := []struct {
		name   string
		ingest func(context.Context, relay.IngestRequest) (*relay.IngestResult, error)
	}{
		{"error", func(context.Context, relay.IngestRequest) (*relay.IngestResult, error) {
			return nil, errors.New("disk on fire")
		}},
		{"panic", func(context.Context, relay.IngestRequest) (*relay.IngestResult, error) {
			panic("nil map")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFaultEnv(t, tt.ingest)

			r := env.request(t, "corr-"+tt.name)
			assert.Equal(t, "error", r.Result)
			assert.Equal(t, relay.CodeInternal, r.Code)
			assert.Equal(t, "corr-"+tt.name, r.CorrelationID)
			assert.NotContains(t, r.Message, "disk on fire")

			require.Eventually(t, func() bool {
				return len(env.sink.named(telemetry.EventServerError)) == 1
			}, 2*time.Second, 10*time.Millisecond)
			payload := env.sink.named(telemetry.EventServerError)[0].Data.(relay.ErrorPayload)
			assert.Equal(t, relay.CodeInternal, payload.Code)
			assert.Equal(t, "corr-"+tt.name, payload.CorrelationID)

			// The subscriber keeps serving after the fault.
			r = env.request(t, "")
			assert.Equal(t, relay.CodeInternal, r.Code)
			assert.NotEmpty(t, r.CorrelationID)
		})
	}
}

func TestCloseWaitsForInFlightMessage(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	env := newFaultEnv(t, func(context.Context, relay.IngestRequest) (*relay.IngestResult, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return &relay.IngestResult{DriverID: "d1"}, nil
	})

	require.NoError(t, env.pub.Publish("dlr.events.d1", eventJSON(t, "d1")))
	require.NoError(t, env.pub.Flush())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	require.NoError(t, env.sub.Close())
	assert.True(t, finished.Load(), "Close returned before the in-flight message was handled")
	assert.True(t, env.sub.conn.IsClosed())
}
