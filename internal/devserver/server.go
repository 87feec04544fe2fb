// Package devserver is a local chat backend for development and end-to-end
// tests. It serves the same HTTP auth API and Socket.IO event protocol as the
// production chat server: a single room, a replayed message history, and
// typing notifications relayed to everyone else.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/ratelimit"
)

const maxRequestBody = 1 << 20

// ServerConfig holds tunable parameters for the development server.
type ServerConfig struct {
	ListenAddr   string
	SocketPath   string
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	HistorySize  int
	// RedisAddr enables per-user message rate limiting when set.
	RedisAddr string
	// DataDir holds the Pebble database. Empty keeps everything in memory.
	DataDir string
}

// DefaultServerConfig returns the Engine.IO default heartbeat timings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":3001",
		SocketPath:   "/socket.io/",
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		WriteTimeout: 10 * time.Second,
		HistorySize:  DefaultHistorySize,
	}
}

// Server is the development chat backend.
type Server struct {
	config     ServerConfig
	log        zerolog.Logger
	db         *pebble.DB
	users      *UserStore
	history    *History
	sockets    *Registry
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter
	httpServer *http.Server

	refuse    atomic.Pointer[string]
	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Server and starts its heartbeat.
func New(config ServerConfig, logger zerolog.Logger) (*Server, error) {
	def := DefaultServerConfig()
	if config.SocketPath == "" {
		config.SocketPath = def.SocketPath
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = def.PingTimeout
	}

	s := &Server{
		config:    config,
		log:       logger,
		sockets:   NewRegistry(),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	if config.DataDir != "" {
		dir := filepath.Join(config.DataDir, "devserver.pebble")
		if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("devserver: create data dir: %w", err)
		}
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			return nil, fmt.Errorf("devserver: open pebble db: %w", err)
		}
		s.db = db
	}

	var err error
	if s.users, err = NewUserStore(s.db); err != nil {
		s.closeDB()
		return nil, err
	}
	if s.history, err = NewHistory(config.HistorySize, s.db); err != nil {
		s.closeDB()
		return nil, err
	}

	if config.RedisAddr != "" {
		if s.limiter, err = ratelimit.Dial(config.RedisAddr, logger); err != nil {
			s.closeDB()
			return nil, fmt.Errorf("devserver: connect redis: %w", err)
		}
	}

	s.dispatcher = NewDispatcher(logger)
	s.dispatcher.Register(protocol.EventSendMessage, s.handleSendMessage)
	s.dispatcher.Register(protocol.EventTyping, s.handleTyping)

	s.startHeartbeat()
	return s, nil
}

// Handler returns the HTTP handler serving the auth API, the Socket.IO
// endpoint, the health check and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/signin", s.handleSignIn)
	r.Post("/api/signup", s.handleSignUp)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc(s.config.SocketPath+"*", s.handleEngine)
	return r
}

// ListenAndServe serves on ListenAddr until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}
	s.log.Info().Str("addr", s.config.ListenAddr).Msg("[devserver] listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devserver: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener, then closes every socket and the database.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		// Long-poll requests only return once their socket is closed.
		s.DisconnectAll()
		err = s.httpServer.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close closes every socket, stops the heartbeat and closes the database.
// It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.DisconnectAll()
		s.wg.Wait()
		s.closeDB()
		if s.limiter != nil {
			s.limiter.Close()
		}
		s.log.Info().Msg("[devserver] stopped")
	})
}

func (s *Server) closeDB() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("[devserver] closing pebble db")
		}
		s.db = nil
	}
}

// DisconnectAll drops every transport without a goodbye, as a crashed or
// restarted server would. Clients see a transport-level disconnect.
func (s *Server) DisconnectAll() {
	for _, sock := range s.sockets.All() {
		s.removeSocket(sock)
	}
}

// RefuseConnections makes namespace connects fail with reason. An empty
// reason accepts connections again.
func (s *Server) RefuseConnections(reason string) {
	if reason == "" {
		s.refuse.Store(nil)
		return
	}
	s.refuse.Store(&reason)
}

// Connections returns the number of clients that joined the room.
func (s *Server) Connections() int {
	n := 0
	for _, sock := range s.sockets.All() {
		if sock.Joined() {
			n++
		}
	}
	return n
}

// History returns the message history.
func (s *Server) History() *History {
	return s.history
}

// Users returns the account store.
func (s *Server) Users() *UserStore {
	return s.users
}

// ---------------------------------------------------------------------------
// Auth API
// ---------------------------------------------------------------------------

type errorBody struct {
	Error string `json:"error"`
}

type userBody struct {
	User interface{} `json:"user"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}
	if err := ValidateSignUp(req.Username, req.Email, req.Password); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	id, err := s.users.Register(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, ErrEmailTaken):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	case err != nil:
		s.log.Error().Err(err).Msg("[devserver] sign-up failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
		return
	}
	s.log.Info().Str("user", id.Username).Msg("[devserver] account created")
	writeJSON(w, http.StatusCreated, userBody{User: id})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}

	id, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, userBody{User: id})
}

// handleHealth responds with the server's health status, connection count
// and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.Connections(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Engine.IO
// ---------------------------------------------------------------------------

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != protocol.EngineVersion {
		http.Error(w, `{"code":5,"message":"Unsupported protocol version"}`, http.StatusBadRequest)
		return
	}
	sid := q.Get("sid")

	switch q.Get("transport") {
	case "websocket":
		if sid != "" {
			// Upgrades are never advertised.
			http.Error(w, `{"code":3,"message":"Bad request"}`, http.StatusBadRequest)
			return
		}
		s.handleWebsocket(w, r)
	case "polling":
		switch {
		case r.Method == http.MethodGet && sid == "":
			s.handlePollingOpen(w)
		case r.Method == http.MethodGet:
			s.handlePoll(w, r, sid)
		case r.Method == http.MethodPost:
			s.handlePollingPost(w, r, sid)
		default:
			http.Error(w, `{"code":2,"message":"Bad handshake method"}`, http.StatusBadRequest)
		}
	default:
		http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
	}
}

func (s *Server) handshake(sid string) protocol.Handshake {
	return protocol.Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(s.config.PingInterval / time.Millisecond),
		PingTimeout:  int(s.config.PingTimeout / time.Millisecond),
		MaxPayload:   maxRequestBody,
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("[devserver] upgrade failed")
		return
	}

	sock := newSocket(uuid.New().String(), "websocket", conn)
	s.sockets.Add(sock)

	open, err := protocol.OpenPacket(s.handshake(sock.ID))
	if err == nil {
		err = sock.Send(open, s.config.WriteTimeout)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("sid", sock.ID).Msg("[devserver] failed to send open packet")
		s.removeSocket(sock)
		return
	}
	s.log.Debug().Str("sid", sock.ID).Str("transport", sock.Transport).Msg("[devserver] session opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readWebsocket(sock)
	}()
}

func (s *Server) readWebsocket(sock *Socket) {
	for {
		data, err := wsutil.ReadClientText(sock.conn)
		if err != nil {
			s.removeSocket(sock)
			return
		}
		p, err := protocol.DecodePacket(data)
		if err != nil {
			s.log.Debug().Err(err).Str("sid", sock.ID).Msg("[devserver] bad packet")
			continue
		}
		s.handlePacket(sock, p)
	}
}

func (s *Server) handlePollingOpen(w http.ResponseWriter) {
	sock := newSocket(uuid.New().String(), "polling", nil)
	open, err := protocol.OpenPacket(s.handshake(sock.ID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sockets.Add(sock)
	s.log.Debug().Str("sid", sock.ID).Str("transport", sock.Transport).Msg("[devserver] session opened")
	writePayload(w, []protocol.Packet{open})
}

func (s *Server) pollingSocket(w http.ResponseWriter, sid string) *Socket {
	sock := s.sockets.Get(sid)
	if sock == nil || sock.Transport != "polling" {
		http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
		return nil
	}
	return sock
}

// handlePoll holds the GET open until packets are queued or the session
// ends.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, sid string) {
	sock := s.pollingSocket(w, sid)
	if sock == nil {
		return
	}
	sock.touch()

	for {
		if packets := sock.drain(); len(packets) > 0 {
			writePayload(w, packets)
			return
		}
		select {
		case <-sock.notify:
		case <-sock.closed:
			writePayload(w, []protocol.Packet{{Type: protocol.PacketClose}})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handlePollingPost(w http.ResponseWriter, r *http.Request, sid string) {
	sock := s.pollingSocket(w, sid)
	if sock == nil {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	packets, err := protocol.DecodePayload(body)
	if err != nil {
		http.Error(w, `{"code":3,"message":"Bad request"}`, http.StatusBadRequest)
		return
	}
	for _, p := range packets {
		s.handlePacket(sock, p)
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("ok"))
}

func writePayload(w http.ResponseWriter, packets []protocol.Packet) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(protocol.EncodePayload(packets))
}

// handlePacket processes one Engine.IO packet from a client.
func (s *Server) handlePacket(sock *Socket, p protocol.Packet) {
	sock.touch()

	switch p.Type {
	case protocol.PacketPing:
		_ = sock.Send(protocol.Packet{Type: protocol.PacketPong, Data: p.Data}, s.config.WriteTimeout)
	case protocol.PacketClose:
		s.removeSocket(sock)
	case protocol.PacketMessage:
		sp, err := protocol.DecodeSocketPacket(p)
		if err != nil {
			s.log.Debug().Err(err).Str("sid", sock.ID).Msg("[devserver] bad socket packet")
			return
		}
		switch sp.Type {
		case protocol.SocketConnect:
			s.join(sock)
		case protocol.SocketDisconnect:
			s.removeSocket(sock)
		case protocol.SocketEvent:
			if !sock.Joined() {
				return
			}
			ev, err := protocol.DecodeEvent(sp)
			if err != nil {
				s.log.Debug().Err(err).Str("sid", sock.ID).Msg("[devserver] bad event")
				return
			}
			s.dispatcher.Dispatch(sock, ev)
		}
	}
}

// join completes the namespace connect and replays history to the socket.
func (s *Server) join(sock *Socket) {
	if reason := s.refuse.Load(); reason != nil {
		data, _ := json.Marshal(protocol.ConnectError{Message: *reason})
		_ = sock.Send(protocol.SocketPacket{Type: protocol.SocketConnectError, Data: data}.Packet(), s.config.WriteTimeout)
		return
	}
	if sock.joined.Swap(true) {
		return
	}

	data, _ := json.Marshal(protocol.ConnectAck{SID: uuid.New().String()})
	if err := sock.Send(protocol.SocketPacket{Type: protocol.SocketConnect, Data: data}.Packet(), s.config.WriteTimeout); err != nil {
		s.removeSocket(sock)
		return
	}
	metrics.ServerConnections.Inc()
	s.log.Info().Str("sid", sock.ID).Int("total", s.Connections()).Msg("[devserver] client joined")

	s.emit(sock, protocol.EventGetMessages, s.history.All())
}

func (s *Server) removeSocket(sock *Socket) {
	if _, ok := s.sockets.Remove(sock.ID); !ok {
		return
	}
	if sock.joined.Swap(false) {
		metrics.ServerConnections.Dec()
	}
	s.log.Info().Str("sid", sock.ID).Int("total", s.Connections()).Msg("[devserver] session closed")
}

func (s *Server) emit(sock *Socket, name string, args ...interface{}) {
	p, err := eventPacket(name, args...)
	if err != nil {
		s.log.Error().Err(err).Msg("[devserver] encode event")
		return
	}
	if err := sock.Send(p, s.config.WriteTimeout); err != nil {
		s.log.Debug().Err(err).Str("sid", sock.ID).Str("event", name).Msg("[devserver] send failed")
	}
}

// broadcast sends an event to every joined socket except skip, which may be
// nil.
func (s *Server) broadcast(skip *Socket, name string, args ...interface{}) {
	p, err := eventPacket(name, args...)
	if err != nil {
		s.log.Error().Err(err).Msg("[devserver] encode event")
		return
	}
	for _, sock := range s.sockets.All() {
		if sock == skip || !sock.Joined() {
			continue
		}
		if err := sock.Send(p, s.config.WriteTimeout); err != nil {
			s.log.Debug().Err(err).Str("sid", sock.ID).Str("event", name).Msg("[devserver] send failed")
		}
	}
}

func eventPacket(name string, args ...interface{}) (protocol.Packet, error) {
	ev, err := protocol.NewEvent(name, args...)
	if err != nil {
		return protocol.Packet{}, err
	}
	return ev.Packet()
}

// ---------------------------------------------------------------------------
// Chat events
// ---------------------------------------------------------------------------

func (s *Server) handleSendMessage(sock *Socket, payload interface{}) {
	out, ok := payload.(protocol.OutgoingMessage)
	if !ok {
		return
	}
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		d, _ := s.limiter.Allow(ctx, out.User, ratelimit.RuleMessage)
		cancel()
		if !d.Allowed {
			metrics.ServerMessages.WithLabelValues("rate_limited").Inc()
			s.log.Warn().
				Str("sid", sock.ID).
				Str("user", out.User).
				Int("count", d.Count).
				Dur("retry_after", d.RetryAfter).
				Msg("[devserver] message rate limited")
			return
		}
	}
	if err := ValidateMessage(out.User, out.Text); err != nil {
		metrics.ServerMessages.WithLabelValues("rejected").Inc()
		s.log.Warn().Err(err).Str("sid", sock.ID).Msg("[devserver] message rejected")
		return
	}

	msg := protocol.Message{
		ID:        uuid.New().String(),
		User:      out.User,
		Text:      out.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.history.Add(msg); err != nil {
		s.log.Warn().Err(err).Msg("[devserver] history write failed")
	}
	metrics.ServerMessages.WithLabelValues("relayed").Inc()
	s.broadcast(nil, protocol.EventNewMessage, msg)
}

// handleTyping relays the typing username to everyone but the sender.
func (s *Server) handleTyping(sock *Socket, payload interface{}) {
	username, ok := payload.(string)
	if !ok || username == "" {
		return
	}
	s.broadcast(sock, protocol.EventUserTyping, username)
}
