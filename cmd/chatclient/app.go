package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-client/internal/auth"
	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/config"
	"github.com/whisper/chat-client/internal/core"
	"github.com/whisper/chat-client/internal/logging"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/mirror"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/transport"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
	store     *session.Store
	auth      *auth.Client
	nats      *mirror.NATSClient
}

// newApp builds the shared components. The interactive UI owns the terminal,
// so logFile forces logging to a file.
func newApp(logFile bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if logFile && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(config.DefaultDir(), "chatclient.log")
	}

	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	backend, err := session.OpenBackend(cfg.Session)
	if err != nil {
		closer.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       logger,
		logCloser: closer,
		store:     session.NewStore(backend, logging.Component(logger, "session")),
		auth:      auth.NewClient(cfg.HTTPBaseURL(), nil, logging.Component(logger, "auth")),
	}, nil
}

// observer connects the NATS mirror when configured. A NATS outage only
// disables mirroring.
func (a *app) observer() channel.Observer {
	if a.cfg.Mirror.NATSURL == "" {
		return nil
	}
	natsCfg := mirror.DefaultNATSConfig()
	natsCfg.URL = a.cfg.Mirror.NATSURL
	client, err := mirror.NewNATSClient(natsCfg, logging.Component(a.log, "nats"))
	if err != nil {
		a.log.Warn().Err(err).Msg("[mirror] disabled")
		return nil
	}
	a.nats = client
	return mirror.New(client, a.cfg.Mirror.SubjectPrefix, logging.Component(a.log, "mirror"))
}

func (a *app) newCore() *core.Core {
	return core.New(core.Options{
		Store: a.store,
		Auth:  a.auth,
		Transport: transport.Options{
			BaseURL:    a.cfg.HTTPBaseURL(),
			Path:       a.cfg.Transport.Path,
			Transports: a.cfg.Transport.Transports,
			Policy: transport.Policy{
				MaxAttempts: a.cfg.Transport.ReconnectAttempts,
				Delay:       a.cfg.Transport.ReconnectDelay,
			},
			DialTimeout: a.cfg.Transport.DialTimeout,
		},
		Observer:      a.observer(),
		TypingTimeout: a.cfg.Conversation.TypingTimeout,
		Logger:        logging.Component(a.log, "core"),
	})
}

// serveMetrics runs the Prometheus endpoint until ctx is done.
func (a *app) serveMetrics(ctx context.Context, g *errgroup.Group) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("[metrics] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("[session] close")
	}
	a.logCloser.Close()
}
