// Command devserver runs a local chat backend for the client: the auth API,
// the Socket.IO endpoint and an in-memory or Pebble-backed message history.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/whisper/chat-client/internal/devserver"
	"github.com/whisper/chat-client/internal/logging"
)

func main() {
	config := devserver.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PingInterval = d
		}
	}
	if v := os.Getenv("PING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PingTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.HistorySize = n
		}
	}
	config.DataDir = os.Getenv("DATA_DIR")
	config.RedisAddr = os.Getenv("REDIS_ADDR")

	logCfg := logging.DefaultConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logCfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		logCfg.Format = v
	}
	logger, closer, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer closer.Close()

	logger.Info().
		Str("listen_addr", config.ListenAddr).
		Str("socket_path", config.SocketPath).
		Dur("ping_interval", config.PingInterval).
		Dur("ping_timeout", config.PingTimeout).
		Int("history_size", config.HistorySize).
		Str("data_dir", config.DataDir).
		Str("redis_addr", config.RedisAddr).
		Msg("Whisper chat dev server starting")

	server, err := devserver.New(config, logging.Component(logger, "devserver"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start dev server")
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	<-stopped
}
