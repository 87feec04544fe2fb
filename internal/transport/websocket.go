package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-client/internal/protocol"
)

// WebsocketDialer opens Engine.IO sessions over a websocket. One text frame
// carries one packet.
type WebsocketDialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
}

// Dial connects and reads the open packet.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint *url.URL) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	raw, br, _, err := dialer.Dial(ctx, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}

	c := &wsConn{conn: raw, reader: raw, writeTimeout: d.WriteTimeout}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if br != nil {
		// Frames sent right after the upgrade are already buffered.
		c.reader = io.MultiReader(br, raw)
	}

	packets, err := c.ReadPackets(ctx)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: websocket handshake: %w", err)
	}
	h, _, err := expectOpen(packets)
	if err != nil {
		raw.Close()
		return nil, err
	}
	c.handshake = h
	return c, nil
}

type wsConn struct {
	conn         net.Conn
	reader       io.Reader
	handshake    protocol.Handshake
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *wsConn) Name() string { return NameWebsocket }

func (c *wsConn) Handshake() protocol.Handshake { return c.handshake }

func (c *wsConn) ReadPackets(ctx context.Context) ([]protocol.Packet, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	// Control frames (ping, close) are answered through the locked writer.
	data, err := wsutil.ReadServerText(struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	p, err := protocol.DecodePacket(data)
	if err != nil {
		return nil, err
	}
	return []protocol.Packet{p}, nil
}

func (c *wsConn) WritePacket(p protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, p.Encode())
}

func (c *wsConn) Close() error {
	// Unblock a stalled write before taking the lock.
	_ = c.conn.SetWriteDeadline(time.Unix(1, 0))
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	c.writeMu.Unlock()
	return c.conn.Close()
}

type lockedWriter struct {
	c *wsConn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
