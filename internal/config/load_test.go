package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlr.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Server.Addr != ":8000" {
		t.Errorf("Addr = %q, want :8000", config.Server.Addr)
	}
	if config.Timing.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", config.Timing.HeartbeatInterval)
	}
	if config.Timing.OutboxLimit != 1024 {
		t.Errorf("OutboxLimit = %d, want 1024", config.Timing.OutboxLimit)
	}
	if config.Store.MaxEvents != 0 {
		t.Errorf("MaxEvents = %d, want 0 (unbounded)", config.Store.MaxEvents)
	}
	if config.Auth.Enabled() {
		t.Error("auth should be disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9100"
  shutdownTimeout: 10s
timing:
  heartbeatInterval: 5s
  outboxLimit: 64
store:
  maxEvents: 500
ingest:
  ratePerSecond: 20
  burst: 40
nats:
  url: nats://127.0.0.1:4222
log:
  level: debug
  format: text
audit:
  enabled: false
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Server.Addr != ":9100" {
		t.Errorf("Addr = %q, want :9100", config.Server.Addr)
	}
	if config.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", config.Server.ShutdownTimeout)
	}
	if config.Timing.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", config.Timing.HeartbeatInterval)
	}
	if config.Timing.OutboxLimit != 64 {
		t.Errorf("OutboxLimit = %d, want 64", config.Timing.OutboxLimit)
	}
	if config.Store.MaxEvents != 500 {
		t.Errorf("MaxEvents = %d, want 500", config.Store.MaxEvents)
	}
	if config.Ingest.RatePerSecond != 20 || config.Ingest.Burst != 40 {
		t.Errorf("Ingest = %+v, want rate 20 burst 40", config.Ingest)
	}
	if config.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("NATS.URL = %q", config.NATS.URL)
	}
	if config.NATS.Subject != "dlr.events.>" {
		t.Errorf("NATS.Subject = %q, want baseline subject kept", config.NATS.Subject)
	}
	if config.Log.Level != "debug" || config.Log.Format != "text" {
		t.Errorf("Log = %+v", config.Log)
	}
	if config.Audit.Enabled {
		t.Error("audit should be disabled by file")
	}
}

func TestLoadFromConfigEnvPath(t *testing.T) {
	path := writeConfigFile(t, "server:\n  addr: \":9200\"\n")
	t.Setenv(EnvConfigPath, path)

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Server.Addr != ":9200" {
		t.Errorf("Addr = %q, want :9200", config.Server.Addr)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("DLR_ADDR", ":7000")
	t.Setenv("DLR_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("DLR_OUTBOX_LIMIT", "16")
	t.Setenv("DLR_MAX_EVENTS", "10")
	t.Setenv("DLR_AUTH_SECRET", "s3cret")
	t.Setenv("DLR_LOG_LEVEL", "WARN")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load() with env overrides failed: %v", err)
	}

	if config.Server.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000", config.Server.Addr)
	}
	if config.Timing.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 2s", config.Timing.HeartbeatInterval)
	}
	if config.Timing.OutboxLimit != 16 {
		t.Errorf("OutboxLimit = %d, want 16", config.Timing.OutboxLimit)
	}
	if config.Store.MaxEvents != 10 {
		t.Errorf("MaxEvents = %d, want 10", config.Store.MaxEvents)
	}
	if config.Auth.Algorithm != "HS256" || config.Auth.SecretKey != "s3cret" {
		t.Errorf("Auth = %+v, want HS256 with secret", config.Auth)
	}
	if config.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", config.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "timing:\n  heartbeatInterval: 5s\n")
	t.Setenv("DLR_HEARTBEAT_INTERVAL", "7s")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Timing.HeartbeatInterval != 7*time.Second {
		t.Errorf("HeartbeatInterval = %v, want env value 7s", config.Timing.HeartbeatInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown yaml field",
			file:    "server:\n  port: 80\n",
			wantErr: "failed to decode YAML",
		},
		{
			name:    "bad duration in file",
			file:    "timing:\n  heartbeatInterval: soon\n",
			wantErr: "timing.heartbeatInterval",
		},
		{
			name:    "bad duration in env",
			env:     map[string]string{"DLR_HEARTBEAT_INTERVAL": "often"},
			wantErr: "DLR_HEARTBEAT_INTERVAL",
		},
		{
			name:    "bad int in env",
			env:     map[string]string{"DLR_MAX_EVENTS": "many"},
			wantErr: "DLR_MAX_EVENTS",
		},
		{
			name:    "validation failure",
			env:     map[string]string{"DLR_OUTBOX_LIMIT": "0"},
			wantErr: "outbox limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigPath, "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing explicit file")
	}
}
