package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fleet-relay/dlr/internal/relay"
)

const wsPath = "/api/v1/ws"

type subscribeFrame struct {
	Event string                 `json:"event"`
	Data  relay.SubscribeRequest `json:"data"`
}

// WSURL derives the WebSocket endpoint from an http(s) base URL.
func WSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += wsPath
	return u.String(), nil
}

// Watch subscribes to driverID and writes each received frame to out as one
// JSON line until ctx is done or the server closes the connection.
func Watch(ctx context.Context, base, driverID string, since *string, out io.Writer) error {
	endpoint, err := WSURL(base)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, subscribeFrame{
		Event: "subscribe",
		Data:  relay.SubscribeRequest{DriverID: driverID, Since: since},
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		var frame json.RawMessage
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if _, err := fmt.Fprintf(out, "%s\n", frame); err != nil {
			return err
		}
	}
}
