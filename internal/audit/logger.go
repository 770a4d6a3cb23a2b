package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fleet-relay/dlr/internal/config"
)

// FileName is the active audit log inside the configured directory.
const FileName = "audit.jsonl"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	DriverID  string         `json:"driverId,omitempty"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
}

type actorKey struct{}

// WithActor returns a context naming the principal responsible for actions
// performed with it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the principal stored by WithActor, or "anonymous".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
}

// Logger writes audit entries as JSON lines.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	now      func() time.Time
}

// NewLogger creates an audit logger writing under cfg.Dir.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  false,
		},
		now: time.Now,
	}, nil
}

// LogAction records one producer action. err, when non-nil, sets the code.
func (l *Logger) LogAction(ctx context.Context, action, driverID string, params map[string]any, outcome string, err error) {
	if params == nil {
		params = map[string]any{}
	}
	entry := AuditEntry{
		Timestamp: l.now().UTC(),
		Actor:     ActorFromContext(ctx),
		DriverID:  driverID,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      codeFromError(err),
	}
	l.writeEntry(entry)
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry AuditEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to marshal audit entry", "action", entry.Action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(line, '\n')); err != nil {
		slog.Error("failed to write audit entry", "action", entry.Action, "error", err)
	}
}

// codeFromError maps an error to its wire code. Errors exposing
// Code() string report it; anything else is INTERNAL.
func codeFromError(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "INTERNAL"
}

// Close closes the audit log.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// GetFilePath returns the path to the active audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate moves the active file aside and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return errors.New("audit logger closed")
	}
	if err := l.out.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}
