// Package notify announces relay startup to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleet-relay/dlr/internal/config"
)

// Startup is the webhook body.
type Startup struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"startedAt"`
}

// Notifier posts lifecycle notifications. A Notifier without a URL does
// nothing.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier from cfg.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Started posts s and returns the delivery error, if any.
func (n *Notifier) Started(ctx context.Context, s Startup) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal startup notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// StartedAsync posts s in the background. Failures are logged and never
// affect the caller. The returned channel closes when the attempt ends.
func (n *Notifier) StartedAsync(ctx context.Context, s Startup) <-chan struct{} {
	done := make(chan struct{})
	if !n.Enabled() {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := n.Started(ctx, s); err != nil {
			n.logger.Warn("startup notification failed", "url", n.url, "error", err)
			return
		}
		n.logger.Info("startup notification sent", "url", n.url)
	}()
	return done
}
