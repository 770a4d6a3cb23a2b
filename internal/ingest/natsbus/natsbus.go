// Package natsbus ingests producer events published on NATS.
//
// Messages carry the same JSON body as POST /api/v1/events. When a message
// has a reply subject the ingest result is sent back as an API envelope.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fleet-relay/dlr/internal/audit"
	"github.com/fleet-relay/dlr/internal/config"
	"github.com/fleet-relay/dlr/internal/relay"
)

const (
	defaultIngestTimeout = 5 * time.Second
	defaultDrainTimeout  = 10 * time.Second

	// CorrelationHeader carries the producer's correlation id, as on HTTP.
	CorrelationHeader = "X-Request-Id"
)

// Ingester accepts one producer event and reports internal faults to every
// connection.
type Ingester interface {
	Ingest(ctx context.Context, req relay.IngestRequest) (*relay.IngestResult, error)
	ReportFault(ctx context.Context, err error, correlationID string)
}

// RejectRecorder counts messages that never reach the relay.
type RejectRecorder interface {
	EventRejected(reason string)
}

type noopRecorder struct{}

func (noopRecorder) EventRejected(string) {}

// reply is the envelope sent to request-reply producers.
type reply struct {
	Result        string              `json:"result"`
	Data          *relay.IngestResult `json:"data,omitempty"`
	Code          string              `json:"code,omitempty"`
	Message       string              `json:"message,omitempty"`
	Details       map[string]string   `json:"details,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

// Subscriber feeds NATS messages into the relay.
type Subscriber struct {
	conn     *nats.Conn
	subject  string
	ingester Ingester
	recorder RejectRecorder
	logger   *slog.Logger
	timeout  time.Duration
	drain    time.Duration
	closed   chan struct{}

	mu  sync.Mutex
	sub *nats.Subscription
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the subscriber logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRejectRecorder counts malformed messages.
func WithRejectRecorder(r RejectRecorder) Option {
	return func(s *Subscriber) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithIngestTimeout bounds one Ingest call.
func WithIngestTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Connect dials cfg.URL. The connection reconnects forever; natsOpts are
// appended to the defaults.
func Connect(cfg config.NATSConfig, ingester Ingester, opts []Option, natsOpts ...nats.Option) (*Subscriber, error) {
	s := &Subscriber{
		subject:  cfg.Subject,
		ingester: ingester,
		recorder: noopRecorder{},
		logger:   slog.Default(),
		timeout:  defaultIngestTimeout,
		drain:    defaultDrainTimeout,
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	defaults := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(s.closed)
		}),
		nats.DrainTimeout(s.drain),
	}
	nc, err := nats.Connect(cfg.URL, append(defaults, natsOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	s.conn = nc
	return s, nil
}

// Start subscribes to the configured subject. Wildcards such as
// "dlr.events.>" are allowed.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}
	// Flush so the subscription is registered before Start returns.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	s.sub = sub
	s.logger.Info("nats ingest subscribed", "subject", s.subject)
	return nil
}

// handle runs on the NATS delivery goroutine, one message at a time, which
// keeps per-subject ordering. A panic while ingesting is reported as an
// internal fault instead of taking the process down.
func (s *Subscriber) handle(msg *nats.Msg) {
	correlationID := correlationIDOf(msg)
	defer func() {
		if rec := recover(); rec != nil {
			s.fault(msg, fmt.Errorf("panic: %v", rec), correlationID)
		}
	}()

	var req relay.IngestRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.recorder.EventRejected("malformed")
		s.logger.Warn("malformed nats event", "subject", msg.Subject, "error", err)
		s.respond(msg, reply{Result: "error", Code: relay.CodeBadRequest, Message: "Malformed JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = audit.WithActor(ctx, "nats:"+msg.Subject)

	result, err := s.ingester.Ingest(ctx, req)
	if err != nil {
		var verr *relay.ValidationError
		if errors.As(err, &verr) {
			s.logger.Debug("nats event rejected", "subject", msg.Subject, "error", err)
			s.respond(msg, reply{
				Result:  "error",
				Code:    verr.Code(),
				Message: verr.Error(),
				Details: map[string]string{"field": verr.Field},
			})
			return
		}
		s.fault(msg, err, correlationID)
		return
	}
	s.respond(msg, reply{Result: "ok", Data: result})
}

// fault reports an internal error to every connection and answers the
// producer with INTERNAL.
func (s *Subscriber) fault(msg *nats.Msg, err error, correlationID string) {
	s.logger.Error("nats ingest failed", "subject", msg.Subject, "error", err, "correlationId", correlationID)
	s.ingester.ReportFault(context.Background(), err, correlationID)
	s.respond(msg, reply{
		Result:        "error",
		Code:          relay.CodeInternal,
		Message:       "Internal server error",
		CorrelationID: correlationID,
	})
}

func correlationIDOf(msg *nats.Msg) string {
	if msg.Header != nil {
		if id := msg.Header.Get(CorrelationHeader); id != "" && len(id) <= 128 {
			return id
		}
	}
	return uuid.NewString()
}

func (s *Subscriber) respond(msg *nats.Msg, r reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("marshal nats reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("nats reply failed", "subject", msg.Reply, "error", err)
	}
}

// Close drains the connection: the subscription stops receiving, messages
// already delivered are handled, then the connection closes. Close returns
// once the connection is closed or the drain timeout passes.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.sub = nil
	s.mu.Unlock()

	if err := s.conn.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		s.logger.Debug("nats drain failed", "error", err)
		s.conn.Close()
	}

	select {
	case <-s.closed:
		return nil
	case <-time.After(s.drain + time.Second):
		s.conn.Close()
		return fmt.Errorf("nats drain did not finish within %s", s.drain)
	}
}
