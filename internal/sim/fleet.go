package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleet-relay/dlr/internal/relay"
)

const ingestPath = "/api/v1/events"

// Fleet posts random walks for a set of drivers.
type Fleet struct {
	cfg     *Config
	client  *http.Client
	logger  *slog.Logger
	walkers []*Walker
	now     func() time.Time

	sent   atomic.Int64
	failed atomic.Int64
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FleetOption {
	return func(f *Fleet) { f.client = c }
}

// WithFleetLogger sets the fleet logger.
func WithFleetLogger(l *slog.Logger) FleetOption {
	return func(f *Fleet) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFleet builds one walker per configured driver.
func NewFleet(cfg *Config, opts ...FleetOption) *Fleet {
	f := &Fleet{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	seed := cfg.Fleet.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	for i := 0; i < cfg.Fleet.Drivers; i++ {
		id := fmt.Sprintf("%s%d", cfg.Fleet.IDPrefix, i+1)
		f.walkers = append(f.walkers, NewWalker(id, cfg.Fleet.Origin, cfg.Fleet.StepMeters, seed+int64(i)))
	}
	return f
}

// Walkers returns the simulated drivers.
func (f *Fleet) Walkers() []*Walker {
	return f.walkers
}

// Stats reports how many posts were accepted and how many failed.
func (f *Fleet) Stats() (sent, failed int64) {
	return f.sent.Load(), f.failed.Load()
}

// Run posts one step per driver every interval until ctx is done or every
// driver has posted steps times. steps <= 0 runs until cancelled. Failed
// posts are logged and counted; they do not stop the fleet.
func (f *Fleet) Run(ctx context.Context, steps int) error {
	interval := f.cfg.IntervalDuration()
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range f.walkers {
		w := w
		g.Go(func() error {
			return f.drive(ctx, w, interval, steps)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (f *Fleet) drive(ctx context.Context, w *Walker, interval time.Duration, steps int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; steps <= 0 || n < steps; n++ {
		if err := f.post(ctx, w.Step(f.now())); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.failed.Add(1)
			f.logger.Warn("post failed", "driverId", w.DriverID, "error", err)
		} else {
			f.sent.Add(1)
		}

		if steps > 0 && n == steps-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (f *Fleet) post(ctx context.Context, body relay.IngestRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := strings.TrimRight(f.cfg.Target.URL, "/") + ingestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Target.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
