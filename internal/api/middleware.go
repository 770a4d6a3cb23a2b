package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleet-relay/dlr/internal/audit"
	"github.com/fleet-relay/dlr/internal/auth"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Request-Id"

// withCorrelationID stores the caller's X-Request-Id, or a fresh UUID, under
// chi's request id key so middleware.GetReqID works everywhere.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverFault turns a panic into a 500 INTERNAL response and a server_error
// broadcast.
func (s *Server) recoverFault(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			id := correlationID(r)
			s.relay.ReportFault(r.Context(), fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec), id)

			// Upgraded connections no longer speak HTTP.
			if !isUpgrade(r) {
				WriteError(w, r, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// isUpgrade reports whether r asks to switch protocols. Connection is a
// comma-separated, case-insensitive token list ("keep-alive, Upgrade").
func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") != "" {
		return true
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// logRequests writes one access log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"durationMs", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"correlationId", correlationID(r),
		)
	})
}

// requireScope applies the auth middleware when one is configured.
func (s *Server) requireScope(scopes ...string) func(http.Handler) http.Handler {
	if s.authMiddleware == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.authMiddleware.RequireScope(scopes...)
}

// withAuditActor names the token subject as the audit actor.
func withAuditActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
			r = r.WithContext(audit.WithActor(r.Context(), claims.Subject))
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects producer requests beyond the configured rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reservation := s.limiter.Reserve()
		if !reservation.OK() {
			WriteError(w, r, http.StatusTooManyRequests, CodeBusy, "Service busy, retry with backoff", nil)
			return
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			WriteError(w, r, http.StatusTooManyRequests, CodeBusy, "Service busy, retry with backoff", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
