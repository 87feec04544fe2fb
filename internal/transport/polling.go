package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/whisper/chat-client/internal/protocol"
)

const (
	maxPollPayload = 1 << 20

	// Upper bound for any single polling request, long polls included.
	defaultPollTimeout = time.Minute
)

var defaultPollClient = &http.Client{Timeout: defaultPollTimeout}

// PollingDialer opens Engine.IO sessions over HTTP long-polling: a GET
// blocks until the server has packets, a POST delivers packets to it.
type PollingDialer struct {
	Client       *http.Client
	WriteTimeout time.Duration
}

// Dial performs the handshake GET.
func (d PollingDialer) Dial(ctx context.Context, endpoint *url.URL) (Conn, error) {
	client := d.Client
	if client == nil {
		client = defaultPollClient
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &pollConn{client: client, base: *endpoint, writeTimeout: writeTimeout}

	packets, err := c.get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("transport: polling handshake: %w", err)
	}
	h, rest, err := expectOpen(packets)
	if err != nil {
		return nil, err
	}
	c.handshake = h
	c.pending = rest

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	return c, nil
}

type pollConn struct {
	client       *http.Client
	base         url.URL
	handshake    protocol.Handshake
	pending      []protocol.Packet
	writeTimeout time.Duration

	// ctx is cancelled by Close and aborts in-flight requests.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *pollConn) Name() string { return NamePolling }

func (c *pollConn) Handshake() protocol.Handshake { return c.handshake }

func (c *pollConn) ReadPackets(ctx context.Context) ([]protocol.Packet, error) {
	if len(c.pending) > 0 {
		p := c.pending
		c.pending = nil
		return p, nil
	}
	ctx, stop := mergeCancel(ctx, c.ctx)
	defer stop()
	return c.get(ctx, c.handshake.SID)
}

func (c *pollConn) WritePacket(p protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	return c.post(ctx, protocol.EncodePayload([]protocol.Packet{p}))
}

// Close aborts pending requests and tells the server the session is over.
func (c *pollConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
		defer cancel()
		err = c.post(ctx, protocol.Packet{Type: protocol.PacketClose}.Encode())
	})
	return err
}

func (c *pollConn) url(sid string) string {
	u := c.base
	q := u.Query()
	q.Set("t", cacheBust())
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *pollConn) get(ctx context.Context, sid string) ([]protocol.Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(sid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollPayload))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: poll status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return protocol.DecodePayload(body)
}

func (c *pollConn) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.handshake.SID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollPayload))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: post status %d", resp.StatusCode)
	}
	return nil
}

// mergeCancel returns a context that carries a's deadline and values and is
// also cancelled when b is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
