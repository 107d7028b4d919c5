package config

import (
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.Burst = 0
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "ws burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.Burst = 0
			},
		},
		{
			name: "presence timeout must be > 0",
			mutate: func(c *Config) {
				c.Room.PresenceTimeout = 0
			},
		},
		{
			name: "heartbeat must be shorter than presence timeout",
			mutate: func(c *Config) {
				c.Room.HeartbeatInterval = c.Room.PresenceTimeout
			},
		},
		{
			name: "port range must set both bounds",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 0
			},
		},
		{
			name: "port range min must be below max",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50100
				c.WebRTC.PortRange.Max = 50000
			},
		},
		{
			name: "capture frame rate must be > 0",
			mutate: func(c *Config) {
				c.Capture.FrameRate = 0
			},
		},
		{
			name: "stats sample interval must be > 0",
			mutate: func(c *Config) {
				c.Stats.SampleInterval = 0
			},
		},
		{
			name: "tracing sample rate must be within [0, 1]",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CASTRELAY_SERVER_ADDRESS", ":9999")
	t.Setenv("CASTRELAY_LOG_LEVEL", "debug")
	t.Setenv("CASTRELAY_PRESENCE_TIMEOUT", "10s")
	t.Setenv("CASTRELAY_REDIS_ADDRESS", "redis:6379")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.Address != ":9999" {
		t.Errorf("expected server address :9999, got %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Room.PresenceTimeout != 10*time.Second {
		t.Errorf("expected presence timeout 10s, got %s", cfg.Room.PresenceTimeout)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis:6379" {
		t.Errorf("expected redis enabled at redis:6379, got enabled=%v address=%s", cfg.Redis.Enabled, cfg.Redis.Address)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Signal.Address != ":8081" {
		t.Errorf("expected default signal address :8081, got %s", cfg.Signal.Address)
	}
}
