package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.TokenSecret = "secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Chat.PageSize != 50 {
		t.Errorf("default page size = %d, want 50", cfg.Chat.PageSize)
	}
	if cfg.WebSocket.ReadTimeout <= cfg.WebSocket.PingInterval {
		t.Error("default read timeout must exceed the ping interval")
	}
	if cfg.Auth.TokenSecret != "" {
		t.Error("token secret must have no default")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.TokenSecret = "" }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"port too high", func(c *Config) { c.HTTP.Port = 70000 }},
		{"zero port", func(c *Config) { c.HTTP.Port = 0 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"read timeout under ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval / 2 }},
		{"zero send buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }},
		{"zero page size", func(c *Config) { c.Chat.PageSize = 0 }},
		{"zero rate limit", func(c *Config) { c.Chat.RateLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "9000")
	t.Setenv("COURSECHAT_TOKEN_SECRET", "env-secret")
	t.Setenv("COURSECHAT_CHAT_PAGE_SIZE", "25")
	t.Setenv("COURSECHAT_WS_PING_INTERVAL", "15s")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Auth.TokenSecret != "env-secret" {
		t.Errorf("secret = %q, want env-secret", cfg.Auth.TokenSecret)
	}
	if cfg.Chat.PageSize != 25 {
		t.Errorf("page size = %d, want 25", cfg.Chat.PageSize)
	}
	if cfg.WebSocket.PingInterval != 15*time.Second {
		t.Errorf("ping interval = %v, want 15s", cfg.WebSocket.PingInterval)
	}
}

func TestLoadFromEnv_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "not-a-number")
	t.Setenv("COURSECHAT_WS_READ_TIMEOUT", "eleven")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 8080 {
		t.Errorf("malformed port should keep default, got %d", cfg.HTTP.Port)
	}
	if cfg.WebSocket.ReadTimeout != 60*time.Second {
		t.Errorf("malformed duration should keep default, got %v", cfg.WebSocket.ReadTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"http": {"port": 3000, "read_timeout": "45s"},
		"auth": {"token_secret": "file-secret"},
		"chat": {"page_size": 20, "rate_window": "30s"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.HTTP.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadTimeout != 45*time.Second {
		t.Errorf("read timeout = %v, want 45s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Auth.TokenSecret != "file-secret" {
		t.Errorf("secret = %q, want file-secret", cfg.Auth.TokenSecret)
	}
	if cfg.Chat.RateWindow != 30*time.Second {
		t.Errorf("rate window = %v, want 30s", cfg.Chat.RateWindow)
	}
	// Sections the file omits keep their defaults.
	if cfg.HTTP.WriteTimeout != 30*time.Second {
		t.Errorf("write timeout = %v, want default 30s", cfg.HTTP.WriteTimeout)
	}
}

func TestLoadFromFile_FileOverridesEnv(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "9000")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"http": {"port": 3000}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.HTTP.Port != 3000 {
		t.Errorf("file should win over env, port = %d", cfg.HTTP.Port)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.json"); err == nil {
		t.Error("missing file should error")
	}
}

func TestLoadWithPrecedence(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "9000")

	// Unreadable file falls back to environment.
	cfg := LoadWithPrecedence("/nonexistent/config.json")
	if cfg.HTTP.Port != 9000 {
		t.Errorf("fallback port = %d, want 9000", cfg.HTTP.Port)
	}

	cfg = LoadWithPrecedence("")
	if cfg.HTTP.Port != 9000 {
		t.Errorf("env-only port = %d, want 9000", cfg.HTTP.Port)
	}
}
