package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: websocket
  url: ws://localhost:7345/fhirpath
session:
  request_timeout: 2s
  debounce_window: 250ms
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Transport != TransportSocket || cfg.Server.URL != "ws://localhost:7345/fhirpath" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if time.Duration(cfg.Session.RequestTimeout) != 2*time.Second {
		t.Errorf("request_timeout = %v", cfg.Session.RequestTimeout)
	}
	if time.Duration(cfg.Session.DebounceWindow) != 250*time.Millisecond {
		t.Errorf("debounce_window = %v", cfg.Session.DebounceWindow)
	}
	// Unset values keep their defaults.
	if cfg.Session.HistoryCapacity != 100 {
		t.Errorf("history_capacity = %d, want default 100", cfg.Session.HistoryCapacity)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "session:\n  request_timeout: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse duration") {
		t.Fatalf("error = %v, want duration parse failure", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Server.Transport = "carrier-pigeon" }},
		{"stdio without command", func(c *Config) { c.Server.Command = "" }},
		{"websocket without url", func(c *Config) {
			c.Server.Transport = TransportSocket
			c.Server.URL = "http://localhost"
		}},
		{"zero timeout", func(c *Config) { c.Session.RequestTimeout = 0 }},
		{"zero debounce", func(c *Config) { c.Session.DebounceWindow = 0 }},
		{"negative history", func(c *Config) { c.Session.HistoryCapacity = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted invalid config")
			}
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Server.Transport != TransportStdio {
		t.Errorf("transport = %q, want stdio default", cfg.Server.Transport)
	}
}

func TestLoadOrDefault_BrokenFileStillFails(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping\n")
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatal("broken file did not fail")
	}
}
