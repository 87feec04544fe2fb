package devserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-client/internal/protocol"
)

// Socket is one client session. Over websocket, packets are written straight
// to the connection; over polling they are queued until the next GET.
type Socket struct {
	ID        string // Engine.IO session id
	Transport string
	CreatedAt time.Time

	conn    net.Conn // websocket only
	writeMu sync.Mutex

	queueMu sync.Mutex
	queue   []protocol.Packet
	notify  chan struct{}

	joined   atomic.Bool
	lastSeen atomic.Int64 // unix nanoseconds

	closed    chan struct{}
	closeOnce sync.Once
}

func newSocket(id, transport string, conn net.Conn) *Socket {
	s := &Socket{
		ID:        id,
		Transport: transport,
		CreatedAt: time.Now(),
		conn:      conn,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Socket) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last sent anything.
func (s *Socket) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Joined reports whether the client completed the namespace connect.
func (s *Socket) Joined() bool {
	return s.joined.Load()
}

// Send writes or queues a packet.
func (s *Socket) Send(p protocol.Packet, writeTimeout time.Duration) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}

	if s.conn != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			defer s.conn.SetWriteDeadline(time.Time{})
		}
		return wsutil.WriteServerMessage(s.conn, ws.OpText, p.Encode())
	}

	s.queueMu.Lock()
	s.queue = append(s.queue, p)
	s.queueMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain takes every queued packet.
func (s *Socket) drain() []protocol.Packet {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Close ends the session without a goodbye packet.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Registry is a thread-safe set of sockets keyed by session id.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Socket
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Socket)}
}

// Add registers a socket.
func (r *Registry) Add(s *Socket) {
	r.mu.Lock()
	r.byID[s.ID] = s
	r.mu.Unlock()
}

// Remove unregisters and closes the socket. It returns false if the socket
// was already gone, so concurrent removals clean up once.
func (r *Registry) Remove(id string) (*Socket, bool) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return s, ok
}

// Get returns the socket for id, or nil.
func (r *Registry) Get(id string) *Socket {
	r.mu.RLock()
	s := r.byID[id]
	r.mu.RUnlock()
	return s
}

// Count returns the number of sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all sockets.
func (r *Registry) All() []*Socket {
	r.mu.RLock()
	out := make([]*Socket, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}
