// Package devservertest runs a development chat server on a loopback port
// for end-to-end tests.
package devservertest

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/devserver"
)

// Server is a running development server.
type Server struct {
	*devserver.Server
	URL string

	http *httptest.Server
}

// Config returns in-memory settings with fast heartbeats.
func Config() devserver.ServerConfig {
	cfg := devserver.DefaultServerConfig()
	cfg.PingInterval = 200 * time.Millisecond
	cfg.PingTimeout = 200 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

// New starts a server with cfg and stops it when the test ends.
func New(t testing.TB, cfg devserver.ServerConfig) *Server {
	t.Helper()
	srv, err := devserver.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	s := &Server{Server: srv, URL: ts.URL, http: ts}
	t.Cleanup(s.Close)
	return s
}

// Close stops the server. Sockets go first so pending long-polls return.
func (s *Server) Close() {
	s.Server.Close()
	s.http.CloseClientConnections()
	s.http.Close()
}
