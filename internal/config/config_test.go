package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, []string{"websocket", "polling"}, cfg.Transport.Transports)
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 2*time.Second, cfg.Conversation.TypingTimeout)
	assert.Equal(t, BackendFile, cfg.Session.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Transport, cfg.Transport)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server_url: https://chat.example.com
transport:
  transports: [polling]
  reconnect_delay: 250ms
session:
  backend: pebble
  dir: /tmp/chat
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, []string{"polling"}, cfg.Transport.Transports)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.ReconnectDelay)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, BackendPebble, cfg.Session.Backend)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHAT_SERVER_URL":         "http://10.0.0.1:3001",
		"CHAT_TRANSPORTS":         "polling,websocket",
		"CHAT_RECONNECT_ATTEMPTS": "not-a-number",
		"CHAT_RECONNECT_DELAY":    "2s",
		"CHAT_SESSION_BACKEND":    "redis",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "http://10.0.0.1:3001", cfg.ServerURL)
	assert.Equal(t, []string{"polling", "websocket"}, cfg.Transport.Transports)
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
}

func TestHTTPBaseURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:3001/":      "http://localhost:3001",
		"wss://chat.example.com":      "https://chat.example.com",
		"ws://10.0.0.2:3001":          "http://10.0.0.2:3001",
		"https://chat.example.com/ns": "https://chat.example.com/ns",
	}
	for in, want := range tests {
		cfg := DefaultConfig()
		cfg.ServerURL = in
		assert.Equal(t, want, cfg.HTTPBaseURL(), in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.ServerURL = "::" }},
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://host" }},
		{"no transports", func(c *Config) { c.Transport.Transports = nil }},
		{"unknown transport", func(c *Config) { c.Transport.Transports = []string{"carrier-pigeon"} }},
		{"unknown backend", func(c *Config) { c.Session.Backend = "sqlite" }},
		{"zero typing timeout", func(c *Config) { c.Conversation.TypingTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
