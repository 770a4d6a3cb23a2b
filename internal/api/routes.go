package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleet-relay/dlr/internal/auth"
	"github.com/fleet-relay/dlr/internal/relay"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 1000
	maxIngestBytes     = 64 << 10
)

// Routes builds the router for every /api/v1 endpoint plus /metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Set before any Route/Mount so subrouters inherit them.
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Use(withCorrelationID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverFault)

	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Streaming subscribers are never authenticated and bypass the
		// access log wrapper.
		r.Get("/ws", s.handleWebSocket)

		r.Route("/drivers", func(r chi.Router) {
			r.Get("/{driverID}/stream", s.handleStream)

			r.Group(func(r chi.Router) {
				r.Use(s.logRequests)
				r.Use(s.requireScope(auth.ScopeRead))
				r.Get("/", s.handleDrivers)
				r.Get("/{driverID}", s.handleDriverByID)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.logRequests)

			r.Get("/health", s.handleHealth)
			r.With(s.requireScope(auth.ScopeRead)).Get("/status", s.handleStatus)
			r.With(s.requireScope(auth.ScopeRead)).Get("/events", s.handleRecentEvents)
			r.With(s.requireScope(auth.ScopeIngest), withAuditActor, s.rateLimit).Post("/events", s.handleIngest)
			r.With(s.requireScope(auth.ScopeAdmin), withAuditActor).Delete("/events", s.handleReset)
		})
	})

	return r
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "Resource not found", map[string]string{"path": r.URL.Path})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
		"Method "+r.Method+" is not allowed", nil)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subsystems := map[string]bool{
		"relay": s.relay != nil,
		"hub":   s.hub != nil,
	}

	connected := 0
	if s.hub != nil {
		connected = s.hub.ActiveCount()
	}

	status := "ok"
	if !subsystems["relay"] || !subsystems["hub"] {
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":           status,
		"uptimeSec":        time.Since(s.startTime).Seconds(),
		"version":          s.version,
		"connectedClients": connected,
		"subsystems":       subsystems,
	}

	if status != "ok" {
		WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
			"One or more subsystems are unavailable", health)
		return
	}
	WriteSuccess(w, r, health)
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, s.relay.Status())
}

// handleIngest handles POST /events
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req relay.IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, CodeBadRequest, "Request body too large", nil)
			return
		}
		WriteError(w, r, http.StatusBadRequest, CodeBadRequest, "Malformed JSON body", nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		WriteError(w, r, http.StatusBadRequest, CodeBadRequest, "Trailing data after JSON object", nil)
		return
	}

	result, err := s.relay.Ingest(r.Context(), req)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	WriteSuccess(w, r, result)
}

// recentEvents is the body of GET /events.
type recentEvents struct {
	Events []relay.LocationUpdate `json:"events"`
	Count  int                    `json:"count"`
	Total  int                    `json:"total"`
}

// handleRecentEvents handles GET /events?limit=N
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, r, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer",
				map[string]string{"field": "limit"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	events, total := s.relay.Recent(limit)
	body := recentEvents{
		Events: make([]relay.LocationUpdate, 0, len(events)),
		Count:  len(events),
		Total:  total,
	}
	for _, e := range events {
		body.Events = append(body.Events, relay.NewLocationUpdate(e, false))
	}
	WriteSuccess(w, r, body)
}

// handleReset handles DELETE /events
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	removed, err := s.relay.Reset(r.Context())
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int{"removed": removed})
}

// handleDrivers handles GET /drivers
func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	if s.drivers == nil {
		s.writeAPIError(w, r, ErrUnavailableError)
		return
	}
	WriteSuccess(w, r, s.drivers.List())
}

// handleDriverByID handles GET /drivers/{driverID}
func (s *Server) handleDriverByID(w http.ResponseWriter, r *http.Request) {
	if s.drivers == nil {
		s.writeAPIError(w, r, ErrUnavailableError)
		return
	}

	d, err := s.drivers.Get(strings.TrimSpace(chi.URLParam(r, "driverID")))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	WriteSuccess(w, r, d)
}
