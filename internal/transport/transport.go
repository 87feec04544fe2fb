// Package transport maintains the realtime connection to the chat server. It
// opens an Engine.IO session over websocket or HTTP long-polling, joins the
// default Socket.IO namespace, answers heartbeats and reconnects according to
// an injected Policy. Everything that happens on the connection is reported
// as an ordered stream of Signals.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/chat-client/internal/protocol"
)

// Transport names.
const (
	NameWebsocket = "websocket"
	NamePolling   = "polling"
)

// ErrNotConnected is returned by Emit when there is no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// ErrSendQueueFull is returned by Emit when the writer has fallen behind.
var ErrSendQueueFull = errors.New("transport: send queue full")

// Conn is an open Engine.IO session over one transport.
type Conn interface {
	// Name returns the transport name.
	Name() string
	// Handshake returns the server's open packet.
	Handshake() protocol.Handshake
	// ReadPackets blocks until at least one packet arrives, ctx is done or
	// the connection fails.
	ReadPackets(ctx context.Context) ([]protocol.Packet, error)
	// WritePacket sends a single packet. Safe for concurrent use. Close
	// aborts a write in progress.
	WritePacket(p protocol.Packet) error
	Close() error
}

// Dialer opens a Conn to an Engine.IO endpoint, completing the open
// handshake.
type Dialer interface {
	Dial(ctx context.Context, endpoint *url.URL) (Conn, error)
}

// Endpoint builds the Engine.IO URL for a transport from the server base URL
// and the Socket.IO path.
func Endpoint(baseURL, path, transport string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid server url %q: %w", baseURL, err)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"

	switch transport {
	case NameWebsocket:
		switch u.Scheme {
		case "http", "ws":
			u.Scheme = "ws"
		case "https", "wss":
			u.Scheme = "wss"
		}
	case NamePolling:
		switch u.Scheme {
		case "ws", "http":
			u.Scheme = "http"
		case "wss", "https":
			u.Scheme = "https"
		}
	default:
		return nil, fmt.Errorf("transport: unknown transport %q", transport)
	}

	q := u.Query()
	q.Set("EIO", protocol.EngineVersion)
	q.Set("transport", transport)
	u.RawQuery = q.Encode()
	return u, nil
}

// cacheBust returns a query value that defeats intermediary caches on
// polling requests.
func cacheBust() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// expectOpen validates that the first packet of a session is an open packet.
func expectOpen(packets []protocol.Packet) (protocol.Handshake, []protocol.Packet, error) {
	if len(packets) == 0 {
		return protocol.Handshake{}, nil, fmt.Errorf("transport: empty handshake response")
	}
	h, err := protocol.ParseHandshake(packets[0])
	if err != nil {
		return protocol.Handshake{}, nil, err
	}
	return h, packets[1:], nil
}
