// Package config holds the chat client configuration: a YAML file layered
// over built-in defaults, with environment variable overrides on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper/chat-client/internal/logging"
)

// Session storage backends.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

// Config is the complete client configuration.
type Config struct {
	// ServerURL is the chat backend base URL. Auth requests go to
	// <ServerURL>/api/*, the realtime channel to <ServerURL><Transport.Path>.
	ServerURL string `yaml:"server_url"`

	Transport    TransportConfig    `yaml:"transport"`
	Session      SessionConfig      `yaml:"session"`
	Conversation ConversationConfig `yaml:"conversation"`
	Log          logging.Config     `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Mirror       MirrorConfig       `yaml:"mirror"`
}

// TransportConfig configures the realtime connection and its reconnection
// policy.
type TransportConfig struct {
	Path              string        `yaml:"path"`
	Transports        []string      `yaml:"transports"` // tried in order
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// SessionConfig selects where the signed-in identity is cached.
type SessionConfig struct {
	Backend        string `yaml:"backend"` // file | pebble | redis
	Dir            string `yaml:"dir"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
}

// ConversationConfig tunes conversation state.
type ConversationConfig struct {
	TypingTimeout time.Duration `yaml:"typing_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MirrorConfig enables publishing observed chat events to NATS when URL is
// set.
type MirrorConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultDir is the per-user configuration directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".whisper-chat"
	}
	return filepath.Join(home, ".config", "whisper-chat")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:3001",
		Transport: TransportConfig{
			Path:              "/socket.io/",
			Transports:        []string{"websocket", "polling"},
			ReconnectAttempts: 5,
			ReconnectDelay:    1000 * time.Millisecond,
			DialTimeout:       10 * time.Second,
		},
		Session: SessionConfig{
			Backend:        BackendFile,
			Dir:            DefaultDir(),
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "whisper-chat:",
		},
		Conversation: ConversationConfig{
			TypingTimeout: 2000 * time.Millisecond,
		},
		Log: logging.DefaultConfig(),
		Mirror: MirrorConfig{
			SubjectPrefix: "whisper.chat",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists) and the environment. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHAT_* environment variables. Unparseable
// numeric values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CHAT_SERVER_URL"); ok && v != "" {
		c.ServerURL = v
	}
	if v, ok := lookup("CHAT_TRANSPORTS"); ok && v != "" {
		c.Transport.Transports = strings.Split(v, ",")
	}
	if v, ok := lookup("CHAT_RECONNECT_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Transport.ReconnectAttempts = n
		}
	}
	if v, ok := lookup("CHAT_RECONNECT_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transport.ReconnectDelay = d
		}
	}
	if v, ok := lookup("CHAT_SESSION_BACKEND"); ok && v != "" {
		c.Session.Backend = v
	}
	if v, ok := lookup("CHAT_SESSION_DIR"); ok && v != "" {
		c.Session.Dir = v
	}
	if v, ok := lookup("CHAT_REDIS_ADDR"); ok && v != "" {
		c.Session.RedisAddr = v
	}
	if v, ok := lookup("CHAT_NATS_URL"); ok {
		c.Mirror.NATSURL = v
	}
	if v, ok := lookup("CHAT_METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := lookup("CHAT_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("CHAT_LOG_FILE"); ok {
		c.Log.File = v
	}
}

// HTTPBaseURL returns ServerURL with a ws/wss scheme mapped to http/https
// and without a trailing slash.
func (c Config) HTTPBaseURL() string {
	s := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(s, "ws://"):
		return "http://" + strings.TrimPrefix(s, "ws://")
	case strings.HasPrefix(s, "wss://"):
		return "https://" + strings.TrimPrefix(s, "wss://")
	}
	return s
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: invalid server_url %q", c.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("config: unsupported server_url scheme %q", u.Scheme)
	}
	if len(c.Transport.Transports) == 0 {
		return fmt.Errorf("config: at least one transport is required")
	}
	for _, t := range c.Transport.Transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("config: unknown transport %q", t)
		}
	}
	switch c.Session.Backend {
	case BackendFile, BackendPebble, BackendRedis:
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}
	if c.Conversation.TypingTimeout <= 0 {
		return fmt.Errorf("config: typing_timeout must be positive")
	}
	return nil
}
