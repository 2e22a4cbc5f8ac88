package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the client configuration.
type Config struct {
	// BaseURL is the storage service root, e.g. "https://vault.example.com".
	BaseURL string `yaml:"base_url"`
	// WebsocketPath overrides the realtime endpoint path.
	WebsocketPath string `yaml:"websocket_path"`
	// BufferThreshold is the download size above which buffering is skipped.
	BufferThreshold int64 `yaml:"buffer_threshold"`
	// StalenessWindow bounds the age of resume records.
	StalenessWindow time.Duration `yaml:"staleness_window"`
	// HeartbeatInterval is the realtime ping cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ConnectTimeout bounds one websocket dial.
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	Retry          RetryConfig     `yaml:"retry"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// RetryConfig defines transfer retry behavior.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// ReconnectConfig defines realtime reconnect behavior.
type ReconnectConfig struct {
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Default returns a Config with sensible defaults. BaseURL has no
// default and must be supplied.
func Default() Config {
	return Config{
		WebsocketPath:     "/api/v1/ws",
		BufferThreshold:   100 * 1024 * 1024,
		StalenessWindow:   24 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    15 * time.Second,
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  time.Second,
		},
		Reconnect: ReconnectConfig{
			Backoff:     time.Second,
			MaxBackoff:  30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	BaseURL           string              `yaml:"base_url"`
	WebsocketPath     string              `yaml:"websocket_path"`
	BufferThreshold   int64               `yaml:"buffer_threshold"`
	StalenessWindow   string              `yaml:"staleness_window"`
	HeartbeatInterval string              `yaml:"heartbeat_interval"`
	ConnectTimeout    string              `yaml:"connect_timeout"`
	Retry             yamlRetryConfig     `yaml:"retry"`
	Reconnect         yamlReconnectConfig `yaml:"reconnect"`
}

type yamlRetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"`
}

type yamlReconnectConfig struct {
	Backoff     string `yaml:"backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// LoadFromFile loads configuration from a YAML file, layered over the
// defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.BaseURL != "" {
		cfg.BaseURL = yc.BaseURL
	}
	if yc.WebsocketPath != "" {
		cfg.WebsocketPath = yc.WebsocketPath
	}
	if yc.BufferThreshold != 0 {
		cfg.BufferThreshold = yc.BufferThreshold
	}
	if err := setDuration(&cfg.StalenessWindow, yc.StalenessWindow, "staleness_window"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.HeartbeatInterval, yc.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.ConnectTimeout, yc.ConnectTimeout, "connect_timeout"); err != nil {
		return Config{}, err
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if err := setDuration(&cfg.Retry.Backoff, yc.Retry.Backoff, "retry.backoff"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Reconnect.Backoff, yc.Reconnect.Backoff, "reconnect.backoff"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Reconnect.MaxBackoff, yc.Reconnect.MaxBackoff, "reconnect.max_backoff"); err != nil {
		return Config{}, err
	}
	if yc.Reconnect.MaxAttempts != 0 {
		cfg.Reconnect.MaxAttempts = yc.Reconnect.MaxAttempts
	}

	return cfg, nil
}

func setDuration(dst *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.New("config: base_url must use http or https")
	}
	if c.BufferThreshold <= 0 {
		return errors.New("config: buffer_threshold must be positive")
	}
	if c.StalenessWindow <= 0 {
		return errors.New("config: staleness_window must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("config: heartbeat_interval must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("config: connect_timeout must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Reconnect.Backoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.Backoff {
		return errors.New("config: reconnect backoff bounds are invalid")
	}
	return nil
}
