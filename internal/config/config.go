// Package config loads the client configuration from a YAML file and
// applies defaults for everything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Transport kinds for reaching the analysis service.
const (
	TransportStdio  = "stdio"
	TransportSocket = "websocket"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig says how to reach the analysis service.
type ServerConfig struct {
	// Transport is "stdio" (spawn Command) or "websocket" (dial URL).
	Transport string   `yaml:"transport"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	URL       string   `yaml:"url"`
}

// SessionConfig tunes the protocol session.
type SessionConfig struct {
	RequestTimeout  Duration `yaml:"request_timeout"`
	DebounceWindow  Duration `yaml:"debounce_window"`
	HistoryCapacity int      `yaml:"history_capacity"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: TransportStdio,
			Command:   "fhirpath-analyzer",
			Args:      []string{"--stdio"},
		},
		Session: SessionConfig{
			RequestTimeout:  Duration(5 * time.Second),
			DebounceWindow:  Duration(500 * time.Millisecond),
			HistoryCapacity: 100,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates the configuration at path. Values absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults
// when it does not. Any other error is reported.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio:
		if c.Server.Command == "" {
			return errors.New("stdio transport requires server.command")
		}
	case TransportSocket:
		if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
			return fmt.Errorf("websocket transport requires a ws:// or wss:// url, got %q", c.Server.URL)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Server.Transport)
	}

	if c.Session.RequestTimeout <= 0 {
		return errors.New("session.request_timeout must be positive")
	}
	if c.Session.DebounceWindow <= 0 {
		return errors.New("session.debounce_window must be positive")
	}
	if c.Session.HistoryCapacity < 0 {
		return errors.New("session.history_capacity must not be negative")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// BuildLogger builds the process logger. Output goes to stderr so the
// stdio transport keeps stdout clean for protocol traffic.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
