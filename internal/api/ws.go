package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fleet-relay/dlr/internal/relay"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

const (
	maxWSReadBytes = 64 << 10
	wsPingTimeout  = 5 * time.Second
)

// Inbound WebSocket events.
const (
	wsEventSubscribe   = "subscribe"
	wsEventUnsubscribe = "unsubscribe"
	wsEventPing        = "ping"
)

// inboundFrame is a client request: {"event": name, "data": payload}.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsWriter writes hub messages as JSON text frames.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteMessage(ctx context.Context, msg telemetry.Message) error {
	return wsjson.Write(ctx, w.conn, msg)
}

// handleWebSocket handles GET /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.originPatterns,
		InsecureSkipVerify: len(s.originPatterns) == 0,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	client, err := s.hub.Connect(&wsWriter{conn: conn}, telemetry.TransportWebSocket)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "server stopping")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn, s.timing.WSPingInterval)

	go func() {
		defer cancel()
		s.readClient(ctx, conn, client.ID)
	}()

	if err := s.hub.Serve(ctx, client); err != nil {
		s.logger.Debug("websocket stream ended", "connectionId", client.ID, "error", err)
	}
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readClient handles client requests until the connection closes. Malformed
// frames are answered with an error event and never close the connection.
func (s *Server) readClient(ctx context.Context, conn *websocket.Conn, connID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(connID, relay.CodeBadRequest, "malformed JSON frame")
			continue
		}
		s.dispatchFrame(ctx, connID, frame)
	}
}

// dispatchFrame runs one client request. A panic is reported as a fault and
// the connection keeps reading.
func (s *Server) dispatchFrame(ctx context.Context, connID string, frame inboundFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			s.relay.ReportFault(ctx, fmt.Errorf("panic handling %q from %s: %v", frame.Event, connID, rec), uuid.NewString())
		}
	}()

	switch strings.TrimSpace(frame.Event) {
	case wsEventSubscribe:
		err := s.relay.Subscribe(ctx, connID, decodeSubscribe(frame.Data))
		if err != nil && !errors.Is(err, relay.ErrConnectionClosed) && !errors.Is(err, relay.ErrValidation) {
			s.relay.ReportFault(ctx, err, uuid.NewString())
		}
	case wsEventUnsubscribe:
		if err := s.relay.Unsubscribe(ctx, connID); err != nil {
			s.relay.ReportFault(ctx, err, uuid.NewString())
		}
	case wsEventPing:
		s.hub.Send(connID, telemetry.Message{
			Event: telemetry.EventPong,
			Data:  telemetry.Heartbeat{TS: time.Now().UTC().Format(time.RFC3339)},
		})
	default:
		s.sendError(connID, relay.CodeNotFound, fmt.Sprintf("unknown event %q", frame.Event))
	}
}

// decodeSubscribe accepts {"driver_id": ..., "since": ...} or a bare driver
// id string. Anything else yields an empty request, answered with
// subscription_error.
func decodeSubscribe(data json.RawMessage) relay.SubscribeRequest {
	var req relay.SubscribeRequest
	if len(data) == 0 {
		return req
	}
	if err := json.Unmarshal(data, &req); err == nil {
		return req
	}
	var driverID string
	if err := json.Unmarshal(data, &driverID); err == nil {
		return relay.SubscribeRequest{DriverID: driverID}
	}
	return relay.SubscribeRequest{}
}

func (s *Server) sendError(connID, code, message string) {
	s.hub.Send(connID, telemetry.Message{
		Event: telemetry.EventError,
		Data:  relay.ErrorPayload{Code: code, Message: message},
	})
}

// startWSPing sends protocol pings every interval until ctx ends.
func startWSPing(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
