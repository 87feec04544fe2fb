package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultCloseTimeout = 2 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// Outbound packets buffered per connection.
	sendQueueSize = 64

	// Used when the server's handshake omits heartbeat timings.
	defaultHeartbeatDeadline = 45 * time.Second
)

// Disconnect reasons reported in SignalDisconnected.
const (
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonServerDisconnect = "io server disconnect"
)

// Policy controls automatic reconnection. After a failed initial connection
// or a lost connection the manager makes up to MaxAttempts further attempts,
// waiting Delay before each.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy returns 5 attempts spaced 1000ms apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: 1000 * time.Millisecond}
}

// SignalKind identifies a lifecycle signal.
type SignalKind int

const (
	SignalConnected SignalKind = iota
	SignalConnectError
	SignalDisconnected
	SignalEvent
	SignalReconnectFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnected:
		return "connected"
	case SignalConnectError:
		return "connect_error"
	case SignalDisconnected:
		return "disconnected"
	case SignalEvent:
		return "event"
	case SignalReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Signal is a lifecycle notification. Only the fields relevant to Kind are
// set.
type Signal struct {
	Kind      SignalKind
	Transport string         // SignalConnected
	Err       error          // SignalConnectError
	Reason    string         // SignalDisconnected
	Event     protocol.Event // SignalEvent
}

// Options configures a Manager.
type Options struct {
	// BaseURL is the server URL; Path is the Socket.IO mount point.
	BaseURL    string
	Path       string
	Transports []string
	Policy     Policy

	DialTimeout time.Duration
	HTTPClient  *http.Client
	Clock       clock.Clock
	Logger      zerolog.Logger

	// Dialers overrides the dialer per transport name.
	Dialers map[string]Dialer
}

// Manager owns one logical realtime connection and its reconnection. Signals
// are delivered sequentially from a single goroutine, in the order they
// happen.
type Manager struct {
	opts    Options
	deliver func(Signal)
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      Conn
	out       chan outbound
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
}

// NewManager creates a Manager. deliver receives every Signal; it may block
// briefly but must not call Close.
func NewManager(opts Options, deliver func(Signal)) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if len(opts.Transports) == 0 {
		opts.Transports = []string{NameWebsocket, NamePolling}
	}
	if opts.Dialers == nil {
		opts.Dialers = make(map[string]Dialer)
	}
	if _, ok := opts.Dialers[NameWebsocket]; !ok {
		opts.Dialers[NameWebsocket] = WebsocketDialer{Timeout: opts.DialTimeout, WriteTimeout: defaultWriteTimeout}
	}
	if _, ok := opts.Dialers[NamePolling]; !ok {
		opts.Dialers[NamePolling] = PollingDialer{Client: opts.HTTPClient, WriteTimeout: defaultWriteTimeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		deliver: deliver,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start begins connecting in the background.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Done is closed once the background goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

type outbound struct {
	name   string
	packet protocol.Packet
}

// Emit queues a named event with JSON arguments for the connection's writer.
// It never waits on the network: a write that fails later is logged and
// dropped.
func (m *Manager) Emit(name string, args ...interface{}) error {
	m.mu.Lock()
	conn, out := m.conn, m.out
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ev, err := protocol.NewEvent(name, args...)
	if err != nil {
		return err
	}
	p, err := ev.Packet()
	if err != nil {
		return err
	}
	select {
	case out <- outbound{name: name, packet: p}:
		return nil
	default:
		return fmt.Errorf("transport: emit %q: %w", name, ErrSendQueueFull)
	}
}

// Close disconnects without reconnecting. It returns at once; the background
// goroutine says goodbye to the server and closes the connection. No further
// signals are delivered once it notices the shutdown. Use Done to wait for
// it.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		if m.conn != nil {
			metrics.ActiveTransport.WithLabelValues(m.conn.Name()).Set(0)
		}
		m.conn, m.out = nil, nil
		m.closed = true
		m.mu.Unlock()
		m.log.Debug().Msg("[transport] closed by client")
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	// Failed attempts since the last successful connection.
	attempts := 0

	for {
		conn, backlog, err := m.connect()
		if m.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempts).Msg("[transport] connect failed")
			m.signal(Signal{Kind: SignalConnectError, Err: err})
		} else {
			out, ok := m.setConn(conn)
			if !ok {
				conn.Close()
				return
			}
			attempts = 0
			stop := make(chan struct{})
			written := make(chan struct{})
			go func() {
				defer close(written)
				m.writeLoop(conn, out, stop)
			}()
			m.log.Info().Str("transport", conn.Name()).Str("sid", conn.Handshake().SID).Msg("[transport] connected")
			m.signal(Signal{Kind: SignalConnected, Transport: conn.Name()})

			reason, reconnect := m.serve(conn, backlog)
			m.clearConn(conn)
			close(stop)
			if m.ctx.Err() != nil {
				m.hangUp(conn)
				<-written
				return
			}
			conn.Close()
			<-written
			m.log.Info().Str("reason", reason).Msg("[transport] disconnected")
			m.signal(Signal{Kind: SignalDisconnected, Reason: reason})
			if !reconnect {
				return
			}
		}

		if attempts >= m.opts.Policy.MaxAttempts {
			m.log.Warn().Int("attempts", attempts).Msg("[transport] giving up")
			m.signal(Signal{Kind: SignalReconnectFailed})
			return
		}
		attempts++
		metrics.ReconnectsTotal.Inc()

		select {
		case <-m.ctx.Done():
			return
		case <-m.opts.Clock.After(m.opts.Policy.Delay):
		}
	}
}

// signal delivers s unless the manager has been closed.
func (m *Manager) signal(s Signal) {
	if m.ctx.Err() != nil {
		return
	}
	m.deliver(s)
}

// setConn publishes conn and returns its send queue. It fails once Close
// has been called.
func (m *Manager) setConn(conn Conn) (chan outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	m.conn = conn
	m.out = make(chan outbound, sendQueueSize)
	metrics.ActiveTransport.WithLabelValues(conn.Name()).Set(1)
	return m.out, true
}

// clearConn drops conn if it is still current.
func (m *Manager) clearConn(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn, m.out = nil, nil
	metrics.ActiveTransport.WithLabelValues(conn.Name()).Set(0)
}

// writeLoop writes queued events to conn until stop is closed. Events still
// queued at that point are dropped.
func (m *Manager) writeLoop(conn Conn, out <-chan outbound, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case o := <-out:
			if err := conn.WritePacket(o.packet); err != nil {
				m.log.Debug().Err(err).Str("event", o.name).Msg("[transport] emit failed")
				continue
			}
			metrics.EventsTotal.WithLabelValues("out", o.name).Inc()
		}
	}
}

// hangUp sends the namespace disconnect and closes conn. The disconnect is
// abandoned after defaultCloseTimeout, and closing conn aborts any write
// still in flight.
func (m *Manager) hangUp(conn Conn) {
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		_ = conn.WritePacket(protocol.SocketPacket{Type: protocol.SocketDisconnect}.Packet())
	}()
	timer := time.NewTimer(defaultCloseTimeout)
	select {
	case <-sent:
	case <-timer.C:
		m.log.Debug().Msg("[transport] disconnect packet timed out")
	}
	timer.Stop()
	if err := conn.Close(); err != nil {
		m.log.Debug().Err(err).Msg("[transport] close")
	}
	<-sent
}

// connect tries each transport in order and returns the first that
// completes both the Engine.IO and the Socket.IO handshake.
// Packets that arrived after the connect ack are returned with the Conn.
func (m *Manager) connect() (Conn, []protocol.Packet, error) {
	var errs []error
	for _, name := range m.opts.Transports {
		dialer, ok := m.opts.Dialers[name]
		if !ok {
			errs = append(errs, fmt.Errorf("transport: unknown transport %q", name))
			continue
		}
		endpoint, err := Endpoint(m.opts.BaseURL, m.opts.Path, name)
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
		var backlog []protocol.Packet
		conn, err := dialer.Dial(ctx, endpoint)
		if err == nil {
			if backlog, err = joinNamespace(ctx, conn); err != nil {
				conn.Close()
				conn = nil
			}
		}
		cancel()

		if err == nil {
			metrics.ConnectAttempts.WithLabelValues(name, "ok").Inc()
			return conn, backlog, nil
		}
		metrics.ConnectAttempts.WithLabelValues(name, "error").Inc()
		m.log.Debug().Err(err).Str("transport", name).Msg("[transport] attempt failed")
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if m.ctx.Err() != nil {
			break
		}
	}
	return nil, nil, errors.Join(errs...)
}

// joinNamespace sends the Socket.IO connect packet and waits for the
// server's answer. A polling response can carry the ack together with the
// first events; those are returned for serve.
func joinNamespace(ctx context.Context, conn Conn) ([]protocol.Packet, error) {
	if err := conn.WritePacket(protocol.ConnectPacket()); err != nil {
		return nil, fmt.Errorf("transport: send connect: %w", err)
	}
	for {
		packets, err := conn.ReadPackets(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: await connect: %w", err)
		}
		for i, p := range packets {
			switch p.Type {
			case protocol.PacketPing:
				if err := conn.WritePacket(protocol.Packet{Type: protocol.PacketPong, Data: p.Data}); err != nil {
					return nil, err
				}
			case protocol.PacketClose:
				return nil, fmt.Errorf("transport: server closed during connect")
			case protocol.PacketMessage:
				sp, err := protocol.DecodeSocketPacket(p)
				if err != nil {
					return nil, err
				}
				switch sp.Type {
				case protocol.SocketConnect:
					return packets[i+1:], nil
				case protocol.SocketConnectError:
					var ce protocol.ConnectError
					_ = json.Unmarshal(sp.Data, &ce)
					if ce.Message == "" {
						ce.Message = "connection refused"
					}
					return nil, fmt.Errorf("transport: server refused connection: %s", ce.Message)
				}
			}
		}
	}
}

// serve handles backlog, then reads from conn until it fails or the server
// ends the session. It reports the disconnect reason and whether the policy
// should reconnect.
func (m *Manager) serve(conn Conn, backlog []protocol.Packet) (string, bool) {
	deadline := conn.Handshake().HeartbeatDeadline()
	if deadline <= 0 {
		deadline = defaultHeartbeatDeadline
	}

	if reason, reconnect, ended := m.handlePackets(conn, backlog); ended {
		return reason, reconnect
	}
	for {
		ctx, cancel := context.WithTimeout(m.ctx, deadline)
		packets, err := conn.ReadPackets(ctx)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			switch {
			case m.ctx.Err() != nil:
				return ReasonTransportClose, false
			case timedOut || errors.Is(err, os.ErrDeadlineExceeded):
				return ReasonPingTimeout, true
			default:
				m.log.Debug().Err(err).Msg("[transport] read failed")
				return ReasonTransportError, true
			}
		}

		if reason, reconnect, ended := m.handlePackets(conn, packets); ended {
			return reason, reconnect
		}
	}
}

// handlePackets answers pings and delivers events. ended reports that the
// session is over, with its reason and whether to reconnect.
func (m *Manager) handlePackets(conn Conn, packets []protocol.Packet) (reason string, reconnect, ended bool) {
	for _, p := range packets {
		switch p.Type {
		case protocol.PacketPing:
			if err := conn.WritePacket(protocol.Packet{Type: protocol.PacketPong, Data: p.Data}); err != nil {
				m.log.Debug().Err(err).Msg("[transport] pong failed")
				return ReasonTransportError, true, true
			}
		case protocol.PacketClose:
			return ReasonTransportClose, true, true
		case protocol.PacketMessage:
			if done := m.handleSocketPacket(p); done {
				return ReasonServerDisconnect, false, true
			}
		}
	}
	return "", false, false
}

// handleSocketPacket delivers events and reports whether the server ended
// the namespace session.
func (m *Manager) handleSocketPacket(p protocol.Packet) bool {
	sp, err := protocol.DecodeSocketPacket(p)
	if err != nil {
		m.log.Warn().Err(err).Msg("[transport] dropping malformed packet")
		return false
	}
	switch sp.Type {
	case protocol.SocketEvent:
		ev, err := protocol.DecodeEvent(sp)
		if err != nil {
			m.log.Warn().Err(err).Msg("[transport] dropping malformed event")
			return false
		}
		metrics.EventsTotal.WithLabelValues("in", ev.Name).Inc()
		m.signal(Signal{Kind: SignalEvent, Event: ev})
	case protocol.SocketDisconnect:
		return true
	}
	return false
}
