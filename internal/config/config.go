package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnvVar overrides the config-file token when set.
const TokenEnvVar = "QUEUE_MONITOR_TOKEN"

// Config holds everything the monitor needs to reach the fleet backend.
type Config struct {
	ServerURL           string        `yaml:"server_url"`
	HubPath             string        `yaml:"hub_path"`
	Token               string        `yaml:"token"`
	PollInterval        time.Duration `yaml:"-"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds"`
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
	CachePath           string        `yaml:"cache_path"`
	Elevated            bool          `yaml:"elevated"`
}

// Default returns the baked-in configuration.
func Default() Config {
	return Config{
		ServerURL:           "http://localhost:8080",
		HubPath:             "/hubs/queue",
		PollIntervalSeconds: 5,
		ReconnectAttempts:   5,
		CachePath:           "./queue-cache.db",
	}
}

// Load reads a YAML config file, applies defaults for missing fields, and
// honors the token environment override. A missing file is not an error:
// defaults are returned so the monitor can run against a local backend.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyOverrides()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	cfg.applyOverrides()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url must not be empty")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: poll_interval_seconds must be positive")
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("config: reconnect_attempts must be positive")
	}
	return nil
}

func (c *Config) applyOverrides() {
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		c.Token = tok
	}
	c.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
}
