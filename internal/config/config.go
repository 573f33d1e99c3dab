package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the system-wide settings root. Precedence: file, then
// environment, then defaults.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Chat      *ChatConfig      `json:"chat"`
}

type DatabaseConfig struct {
	Path     string        `json:"path"`
	Timeout  time.Duration `json:"timeout"`
	SeedFile string        `json:"seed_file"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	SendBuffer   int           `json:"send_buffer"`
}

type AuthConfig struct {
	// TokenSecret is the HS256 secret shared with the token issuer. There
	// is no default: a deployment must set it explicitly.
	TokenSecret string `json:"token_secret"`
}

type ChatConfig struct {
	// PageSize is the history page length; a page shorter than this tells
	// the client there is no more history.
	PageSize int `json:"page_size"`
	// RateLimit caps messages per sender per RateWindow.
	RateLimit  int           `json:"rate_limit"`
	RateWindow time.Duration `json:"rate_window"`
}

// DefaultConfig returns settings suitable for local development, except
// for the token secret which has no safe default.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/coursechat.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   100,
		},
		Auth: &AuthConfig{},
		Chat: &ChatConfig{
			PageSize:   50,
			RateLimit:  100,
			RateWindow: time.Minute,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.Auth == nil || c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret is required")
	}
	if c.Chat == nil || c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat page size must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return fmt.Errorf("chat rate limit and window must be positive")
	}
	return nil
}

// LoadFromEnv overlays COURSECHAT_* environment variables on the defaults.
// A .env file in the working directory is read first when present, the
// way local development setups expect.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if v := os.Getenv("COURSECHAT_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("COURSECHAT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("COURSECHAT_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COURSECHAT_DATABASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.Timeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_SEED_FILE"); v != "" {
		cfg.Database.SeedFile = v
	}
	if v := os.Getenv("COURSECHAT_WS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.PingInterval = d
		}
	}
	if v := os.Getenv("COURSECHAT_WS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.ReadTimeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_WS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.WriteTimeout = d
		}
	}
	if v := os.Getenv("COURSECHAT_WS_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.SendBuffer = n
		}
	}
	if v := os.Getenv("COURSECHAT_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("COURSECHAT_CHAT_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chat.PageSize = n
		}
	}
	if v := os.Getenv("COURSECHAT_CHAT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chat.RateLimit = n
		}
	}
	if v := os.Getenv("COURSECHAT_CHAT_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Chat.RateWindow = d
		}
	}

	return cfg
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path     string `json:"path"`
		Timeout  string `json:"timeout"`
		SeedFile string `json:"seed_file"`
	} `json:"database"`
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		SendBuffer   int    `json:"send_buffer"`
	} `json:"websocket"`
	Auth *struct {
		TokenSecret string `json:"token_secret"`
	} `json:"auth"`
	Chat *struct {
		PageSize   int    `json:"page_size"`
		RateLimit  int    `json:"rate_limit"`
		RateWindow string `json:"rate_window"`
	} `json:"chat"`
}

// LoadFromFile overlays a JSON config file on environment-derived
// settings.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := LoadFromEnv()

	if file.Database != nil {
		if file.Database.Path != "" {
			cfg.Database.Path = file.Database.Path
		}
		if file.Database.SeedFile != "" {
			cfg.Database.SeedFile = file.Database.SeedFile
		}
		setDuration(&cfg.Database.Timeout, file.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		setDuration(&cfg.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&cfg.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		setDuration(&cfg.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&cfg.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&cfg.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
		if file.WebSocket.SendBuffer > 0 {
			cfg.WebSocket.SendBuffer = file.WebSocket.SendBuffer
		}
	}
	if file.Auth != nil && file.Auth.TokenSecret != "" {
		cfg.Auth.TokenSecret = file.Auth.TokenSecret
	}
	if file.Chat != nil {
		if file.Chat.PageSize > 0 {
			cfg.Chat.PageSize = file.Chat.PageSize
		}
		if file.Chat.RateLimit > 0 {
			cfg.Chat.RateLimit = file.Chat.RateLimit
		}
		setDuration(&cfg.Chat.RateWindow, file.Chat.RateWindow)
	}

	return cfg, nil
}

// LoadWithPrecedence loads from the given file when set, otherwise from
// the environment.
func LoadWithPrecedence(path string) *Config {
	if path != "" {
		if cfg, err := LoadFromFile(path); err == nil {
			return cfg
		}
	}
	return LoadFromEnv()
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
