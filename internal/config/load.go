package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "DLR_CONFIG"

// fileConfig mirrors Config for YAML decoding. Durations are strings ("15s").
type fileConfig struct {
	Server struct {
		Addr              string `yaml:"addr"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
		ReadTimeout       string `yaml:"readTimeout"`
		WriteTimeout      string `yaml:"writeTimeout"`
		IdleTimeout       string `yaml:"idleTimeout"`
		ShutdownTimeout   string `yaml:"shutdownTimeout"`
	} `yaml:"server"`
	Timing struct {
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		WriteTimeout      string `yaml:"writeTimeout"`
		WSPingInterval    string `yaml:"wsPingInterval"`
		OutboxLimit       int    `yaml:"outboxLimit"`
	} `yaml:"timing"`
	Store struct {
		MaxEvents *int `yaml:"maxEvents"`
	} `yaml:"store"`
	Auth struct {
		Algorithm           string `yaml:"algorithm"`
		SecretKey           string `yaml:"secretKey"`
		PublicKeyPEM        string `yaml:"publicKeyPem"`
		JWKSURL             string `yaml:"jwksUrl"`
		JWKSRefreshInterval string `yaml:"jwksRefreshInterval"`
		JWKSCacheTimeout    string `yaml:"jwksCacheTimeout"`
	} `yaml:"auth"`
	Ingest struct {
		RatePerSecond *float64 `yaml:"ratePerSecond"`
		Burst         int      `yaml:"burst"`
	} `yaml:"ingest"`
	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
		Name    string `yaml:"name"`
	} `yaml:"nats"`
	Notify struct {
		WebhookURL string `yaml:"webhookUrl"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"notify"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMb"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
	Audit struct {
		Enabled    *bool  `yaml:"enabled"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"maxSizeMb"`
		MaxBackups int    `yaml:"maxBackups"`
	} `yaml:"audit"`
}

// Load merges LoadBaseline() + optional YAML file + DLR_* env overrides.
// An empty path falls back to $DLR_CONFIG; no path means no file.
func Load(path string) (*Config, error) {
	config := LoadBaseline()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFromFile(config, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes a YAML file and merges its non-zero values.
func loadFromFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	var file fileConfig
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}

	return mergeFileConfig(config, &file)
}

// mergeFileConfig copies set fields from the decoded file over config.
func mergeFileConfig(config *Config, file *fileConfig) error {
	setString(&config.Server.Addr, file.Server.Addr)
	durations := []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&config.Server.ReadHeaderTimeout, file.Server.ReadHeaderTimeout, "server.readHeaderTimeout"},
		{&config.Server.ReadTimeout, file.Server.ReadTimeout, "server.readTimeout"},
		{&config.Server.WriteTimeout, file.Server.WriteTimeout, "server.writeTimeout"},
		{&config.Server.IdleTimeout, file.Server.IdleTimeout, "server.idleTimeout"},
		{&config.Server.ShutdownTimeout, file.Server.ShutdownTimeout, "server.shutdownTimeout"},
		{&config.Timing.HeartbeatInterval, file.Timing.HeartbeatInterval, "timing.heartbeatInterval"},
		{&config.Timing.WriteTimeout, file.Timing.WriteTimeout, "timing.writeTimeout"},
		{&config.Timing.WSPingInterval, file.Timing.WSPingInterval, "timing.wsPingInterval"},
		{&config.Auth.JWKSRefreshInterval, file.Auth.JWKSRefreshInterval, "auth.jwksRefreshInterval"},
		{&config.Auth.JWKSCacheTimeout, file.Auth.JWKSCacheTimeout, "auth.jwksCacheTimeout"},
		{&config.Notify.Timeout, file.Notify.Timeout, "notify.timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	setInt(&config.Timing.OutboxLimit, file.Timing.OutboxLimit)
	if file.Store.MaxEvents != nil {
		config.Store.MaxEvents = *file.Store.MaxEvents
	}

	setString(&config.Auth.Algorithm, file.Auth.Algorithm)
	setString(&config.Auth.SecretKey, file.Auth.SecretKey)
	setString(&config.Auth.PublicKeyPEM, file.Auth.PublicKeyPEM)
	setString(&config.Auth.JWKSURL, file.Auth.JWKSURL)

	if file.Ingest.RatePerSecond != nil {
		config.Ingest.RatePerSecond = *file.Ingest.RatePerSecond
	}
	setInt(&config.Ingest.Burst, file.Ingest.Burst)

	setString(&config.NATS.URL, file.NATS.URL)
	setString(&config.NATS.Subject, file.NATS.Subject)
	setString(&config.NATS.Name, file.NATS.Name)

	setString(&config.Notify.WebhookURL, file.Notify.WebhookURL)

	setString(&config.Log.Level, file.Log.Level)
	setString(&config.Log.Format, file.Log.Format)
	setString(&config.Log.File, file.Log.File)
	setInt(&config.Log.MaxSizeMB, file.Log.MaxSizeMB)
	setInt(&config.Log.MaxBackups, file.Log.MaxBackups)
	setInt(&config.Log.MaxAgeDays, file.Log.MaxAgeDays)

	if file.Audit.Enabled != nil {
		config.Audit.Enabled = *file.Audit.Enabled
	}
	setString(&config.Audit.Dir, file.Audit.Dir)
	setInt(&config.Audit.MaxSizeMB, file.Audit.MaxSizeMB)
	setInt(&config.Audit.MaxBackups, file.Audit.MaxBackups)

	return nil
}

// applyEnvOverrides applies DLR_* environment variables to the config.
// Unparseable values are reported rather than ignored.
func applyEnvOverrides(config *Config) error {
	if val := os.Getenv("DLR_ADDR"); val != "" {
		config.Server.Addr = val
	}

	durations := map[string]*time.Duration{
		"DLR_READ_TIMEOUT":       &config.Server.ReadTimeout,
		"DLR_WRITE_TIMEOUT":      &config.Server.WriteTimeout,
		"DLR_IDLE_TIMEOUT":       &config.Server.IdleTimeout,
		"DLR_SHUTDOWN_TIMEOUT":   &config.Server.ShutdownTimeout,
		"DLR_HEARTBEAT_INTERVAL": &config.Timing.HeartbeatInterval,
		"DLR_SEND_TIMEOUT":       &config.Timing.WriteTimeout,
		"DLR_WS_PING_INTERVAL":   &config.Timing.WSPingInterval,
		"DLR_WEBHOOK_TIMEOUT":    &config.Notify.Timeout,
	}
	for key, dst := range durations {
		if val := os.Getenv(key); val != "" {
			duration, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = duration
		}
	}

	ints := map[string]*int{
		"DLR_OUTBOX_LIMIT": &config.Timing.OutboxLimit,
		"DLR_MAX_EVENTS":   &config.Store.MaxEvents,
		"DLR_INGEST_BURST": &config.Ingest.Burst,
	}
	for key, dst := range ints {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if val := os.Getenv("DLR_INGEST_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("DLR_INGEST_RATE: %w", err)
		}
		config.Ingest.RatePerSecond = rate
	}

	if val := os.Getenv("DLR_AUTH_SECRET"); val != "" {
		config.Auth.SecretKey = val
		if config.Auth.Algorithm == "" {
			config.Auth.Algorithm = "HS256"
		}
	}
	setString(&config.Auth.Algorithm, os.Getenv("DLR_AUTH_ALGORITHM"))
	setString(&config.Auth.JWKSURL, os.Getenv("DLR_AUTH_JWKS_URL"))

	setString(&config.NATS.URL, os.Getenv("DLR_NATS_URL"))
	setString(&config.NATS.Subject, os.Getenv("DLR_NATS_SUBJECT"))
	setString(&config.Notify.WebhookURL, os.Getenv("DLR_WEBHOOK_URL"))

	setString(&config.Log.Level, strings.ToLower(os.Getenv("DLR_LOG_LEVEL")))
	setString(&config.Log.Format, strings.ToLower(os.Getenv("DLR_LOG_FORMAT")))
	setString(&config.Log.File, os.Getenv("DLR_LOG_FILE"))

	if val := os.Getenv("DLR_AUDIT_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("DLR_AUDIT_ENABLED: %w", err)
		}
		config.Audit.Enabled = enabled
	}
	setString(&config.Audit.Dir, os.Getenv("DLR_AUDIT_DIR"))

	return nil
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setInt(dst *int, val int) {
	if val != 0 {
		*dst = val
	}
}
