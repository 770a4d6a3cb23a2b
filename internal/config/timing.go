package config

import (
	"time"
)

// Config is the complete relay configuration.
type Config struct {
	Server ServerConfig
	Timing TimingConfig
	Store  StoreConfig
	Auth   AuthConfig
	Ingest IngestConfig
	NATS   NATSConfig
	Notify NotifyConfig
	Log    LogConfig
	Audit  AuditConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout applies to the whole response; 0 keeps streaming
	// endpoints (SSE, WebSocket) open indefinitely.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// TimingConfig holds connection delivery timing.
type TimingConfig struct {
	// Fixed-interval keep-alive for streaming subscribers.
	HeartbeatInterval time.Duration

	// Upper bound for writing one message to a connection.
	WriteTimeout time.Duration

	// Protocol ping cadence on WebSocket connections.
	WSPingInterval time.Duration

	// Maximum queued messages per connection before new ones are dropped.
	OutboxLimit int
}

// StoreConfig holds event log retention settings.
type StoreConfig struct {
	// MaxEvents caps the log; 0 keeps every event for the process lifetime.
	MaxEvents int
}

// AuthConfig configures producer-side token verification. An empty
// Algorithm disables authentication.
type AuthConfig struct {
	Algorithm           string
	SecretKey           string
	PublicKeyPEM        string
	JWKSURL             string
	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// Enabled reports whether producer endpoints require a bearer token.
func (a AuthConfig) Enabled() bool {
	return a.Algorithm != ""
}

// IngestConfig throttles producer requests. RatePerSecond 0 disables the limiter.
type IngestConfig struct {
	RatePerSecond float64
	Burst         int
}

// NATSConfig configures the optional NATS ingest subscription.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
}

// NotifyConfig configures the startup webhook.
type NotifyConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuditConfig configures the producer action audit trail.
type AuditConfig struct {
	Enabled    bool
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// LoadBaseline returns the built-in defaults.
func LoadBaseline() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Timing: TimingConfig{
			HeartbeatInterval: 15 * time.Second,
			WriteTimeout:      10 * time.Second,
			WSPingInterval:    20 * time.Second,
			OutboxLimit:       1024,
		},
		Store: StoreConfig{
			MaxEvents: 0,
		},
		Auth: AuthConfig{
			JWKSRefreshInterval: 1 * time.Hour,
			JWKSCacheTimeout:    24 * time.Hour,
		},
		Ingest: IngestConfig{
			RatePerSecond: 0,
			Burst:         50,
		},
		NATS: NATSConfig{
			Subject: "dlr.events.>",
			Name:    "dlr",
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Dir:        "logs",
			MaxSizeMB:  50,
			MaxBackups: 10,
		},
	}
}
