package sim

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the complete simulator configuration.
type Config struct {
	Target TargetConfig `yaml:"target"`
	Fleet  FleetConfig  `yaml:"fleet"`
}

// TargetConfig names the relay under test.
type TargetConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// FleetConfig shapes the simulated drivers.
type FleetConfig struct {
	Drivers    int     `yaml:"drivers"`
	IDPrefix   string  `yaml:"idPrefix"`
	Interval   string  `yaml:"interval"`
	StepMeters float64 `yaml:"stepMeters"`
	Origin     Origin  `yaml:"origin"`
	Seed       int64   `yaml:"seed"`
}

// Origin is where every track starts.
type Origin struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			URL: "http://localhost:8000",
		},
		Fleet: FleetConfig{
			Drivers:    3,
			IDPrefix:   "driver-",
			Interval:   "1s",
			StepMeters: 25,
			Origin: Origin{
				Latitude:  40.7128,
				Longitude: -74.0060,
			},
		},
	}
}

// Load reads path over the defaults, applies DLRSIM_* overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load simulator config from %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("DLRSIM_URL"); url != "" {
		cfg.Target.URL = url
	}
	if token := os.Getenv("DLRSIM_TOKEN"); token != "" {
		cfg.Target.Token = token
	}
	if drivers := os.Getenv("DLRSIM_DRIVERS"); drivers != "" {
		if n, err := strconv.Atoi(drivers); err == nil {
			cfg.Fleet.Drivers = n
		}
	}
	if interval := os.Getenv("DLRSIM_INTERVAL"); interval != "" {
		cfg.Fleet.Interval = interval
	}
}

// IntervalDuration parses Fleet.Interval.
func (c *Config) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Fleet.Interval)
	return d
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if c.Fleet.Drivers < 1 {
		return fmt.Errorf("fleet.drivers must be >= 1, got %d", c.Fleet.Drivers)
	}
	d, err := time.ParseDuration(c.Fleet.Interval)
	if err != nil {
		return fmt.Errorf("fleet.interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("fleet.interval must be positive, got %s", d)
	}
	if c.Fleet.StepMeters < 0 {
		return fmt.Errorf("fleet.stepMeters must be >= 0")
	}
	if c.Fleet.Origin.Latitude < -90 || c.Fleet.Origin.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if c.Fleet.Origin.Longitude < -180 || c.Fleet.Origin.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	return nil
}
