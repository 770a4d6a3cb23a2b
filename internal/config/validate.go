package config

import (
	"fmt"
)

// Validate enforces the relay configuration rules.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := validateTiming(&config.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if config.Store.MaxEvents < 0 {
		return fmt.Errorf("store validation failed: max events must be non-negative, got %d", config.Store.MaxEvents)
	}

	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := validateIngest(&config.Ingest); err != nil {
		return fmt.Errorf("ingest validation failed: %w", err)
	}

	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}

	if config.Notify.WebhookURL != "" && config.Notify.Timeout <= 0 {
		return fmt.Errorf("notify validation failed: timeout must be positive, got %v", config.Notify.Timeout)
	}

	return nil
}

func validateServer(server *ServerConfig) error {
	if server.Addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if server.ReadTimeout < 0 || server.WriteTimeout < 0 || server.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", server.ShutdownTimeout)
	}
	return nil
}

func validateTiming(timing *TimingConfig) error {
	if timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", timing.HeartbeatInterval)
	}
	if timing.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %v", timing.WriteTimeout)
	}
	if timing.WSPingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be positive, got %v", timing.WSPingInterval)
	}
	if timing.OutboxLimit < 1 {
		return fmt.Errorf("outbox limit must be >= 1, got %d", timing.OutboxLimit)
	}
	return nil
}

func validateAuth(auth *AuthConfig) error {
	switch auth.Algorithm {
	case "":
		return nil
	case "HS256":
		if auth.SecretKey == "" {
			return fmt.Errorf("HS256 requires a secret key")
		}
	case "RS256":
		if auth.PublicKeyPEM == "" && auth.JWKSURL == "" {
			return fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
	default:
		return fmt.Errorf("unsupported algorithm: %s", auth.Algorithm)
	}
	return nil
}

func validateIngest(ingest *IngestConfig) error {
	if ingest.RatePerSecond < 0 {
		return fmt.Errorf("rate must be non-negative, got %v", ingest.RatePerSecond)
	}
	if ingest.RatePerSecond > 0 && ingest.Burst < 1 {
		return fmt.Errorf("burst must be >= 1 when rate limiting is enabled, got %d", ingest.Burst)
	}
	return nil
}

func validateLog(log *LogConfig) error {
	switch log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", log.Level)
	}
	switch log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown format %q", log.Format)
	}
	return nil
}
