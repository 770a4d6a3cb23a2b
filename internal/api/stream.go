package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fleet-relay/dlr/internal/relay"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

// handleStream handles GET /drivers/{driverID}/stream. The connection is
// subscribed to the driver on open; since and Last-Event-ID select the replay.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	driverID := strings.TrimSpace(chi.URLParam(r, "driverID"))
	if driverID == "" {
		WriteError(w, r, http.StatusBadRequest, CodeBadRequest, "driver_id is required",
			map[string]string{"field": "driver_id"})
		return
	}

	client, err := s.hub.Connect(telemetry.NewSSEWriter(w), telemetry.TransportSSE)
	if err != nil {
		s.logger.Warn("sse connect refused", "error", err)
		WriteError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "Service unavailable", nil)
		return
	}

	telemetry.PrepareSSE(w)

	req := relay.SubscribeRequest{
		DriverID: driverID,
		AfterSeq: telemetry.LastEventID(r),
	}
	if r.URL.Query().Has("since") {
		since := r.URL.Query().Get("since")
		req.Since = &since
	}

	ctx := r.Context()
	if err := s.relay.Subscribe(ctx, client.ID, req); err != nil && !errors.Is(err, relay.ErrConnectionClosed) {
		s.logger.Debug("sse subscribe failed", "connectionId", client.ID, "error", err)
	}

	if err := s.hub.Serve(ctx, client); err != nil {
		s.logger.Debug("sse stream ended", "connectionId", client.ID, "error", err)
	}
}
