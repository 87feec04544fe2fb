package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-client/internal/protocol"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func fastConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.PingInterval = 100 * time.Millisecond
	cfg.PingTimeout = 100 * time.Millisecond
	return cfg
}

func postJSON(t *testing.T, url string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAuthAPI(t *testing.T) {
	_, ts := newTestServer(t, fastConfig())

	status, body := postJSON(t, ts.URL+"/api/signup", map[string]string{
		"username": "alice", "email": "Alice@Example.com", "password": "secret",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Contains(t, string(body["user"]), `"username":"alice"`)

	status, body = postJSON(t, ts.URL+"/api/signup", map[string]string{
		"username": "alice2", "email": "alice@example.com", "password": "x",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, `"Email already registered"`, string(body["error"]))

	status, body = postJSON(t, ts.URL+"/api/signin", map[string]string{
		"email": "alice@example.com", "password": "secret",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body["user"]), `"email":"alice@example.com"`)

	status, body = postJSON(t, ts.URL+"/api/signin", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, `"Invalid email or password"`, string(body["error"]))
}

func TestSignUp_Validation(t *testing.T) {
	_, ts := newTestServer(t, fastConfig())

	status, body := postJSON(t, ts.URL+"/api/signup", map[string]string{
		"username": "", "email": "a@example.com", "password": "x",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, `"Username is required"`, string(body["error"]))
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, fastConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Connections)
}

func TestEngine_RejectsUnknownVersion(t *testing.T) {
	_, ts := newTestServer(t, fastConfig())

	resp, err := http.Get(ts.URL + "/socket.io/?EIO=3&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// pollingClient drives the polling transport by hand.
type pollingClient struct {
	t        *testing.T
	url      string
	sid      string
	buffered []protocol.Packet
}

func openPolling(t *testing.T, base string) *pollingClient {
	t.Helper()
	resp, err := http.Get(base + "/socket.io/?EIO=4&transport=polling")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)

	packets, err := protocol.DecodePayload(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, packets, 1)
	h, err := protocol.ParseHandshake(packets[0])
	require.NoError(t, err)
	assert.Equal(t, 100, h.PingInterval)
	return &pollingClient{t: t, url: base + "/socket.io/?EIO=4&transport=polling&sid=" + h.SID, sid: h.SID}
}

func (c *pollingClient) post(packets ...protocol.Packet) {
	resp, err := http.Post(c.url, "text/plain", bytes.NewReader(protocol.EncodePayload(packets)))
	require.NoError(c.t, err)
	resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
}

func (c *pollingClient) poll() []protocol.Packet {
	resp, err := http.Get(c.url)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	packets, err := protocol.DecodePayload(buf.Bytes())
	require.NoError(c.t, err)
	return packets
}

// nextSocketPacket polls until a Socket.IO packet arrives, answering pings
// on the way.
func (c *pollingClient) nextSocketPacket() protocol.SocketPacket {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range c.pending() {
			if p.Type == protocol.PacketPing {
				c.post(protocol.Packet{Type: protocol.PacketPong})
				continue
			}
			if p.Type != protocol.PacketMessage {
				continue
			}
			sp, err := protocol.DecodeSocketPacket(p)
			require.NoError(c.t, err)
			return sp
		}
	}
	c.t.Fatal("no socket packet received")
	return protocol.SocketPacket{}
}

// pending returns buffered packets from the last poll before polling again.
func (c *pollingClient) pending() []protocol.Packet {
	if len(c.buffered) > 0 {
		p := c.buffered[0]
		c.buffered = c.buffered[1:]
		return []protocol.Packet{p}
	}
	packets := c.poll()
	if len(packets) == 0 {
		return nil
	}
	c.buffered = packets[1:]
	return packets[:1]
}

func (c *pollingClient) nextEvent() protocol.Event {
	sp := c.nextSocketPacket()
	require.Equal(c.t, protocol.SocketEvent, sp.Type)
	ev, err := protocol.DecodeEvent(sp)
	require.NoError(c.t, err)
	return ev
}

func TestPolling_JoinReplaysHistoryAndRelaysMessages(t *testing.T) {
	srv, ts := newTestServer(t, fastConfig())
	require.NoError(t, srv.History().Add(protocol.Message{ID: "m0", User: "bob", Text: "earlier", Timestamp: 1}))

	c := openPolling(t, ts.URL)
	c.post(protocol.ConnectPacket())

	sp := c.nextSocketPacket()
	assert.Equal(t, protocol.SocketConnect, sp.Type)

	ev := c.nextEvent()
	require.Equal(t, protocol.EventGetMessages, ev.Name)
	payload, err := protocol.ParseServerEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Message{{ID: "m0", User: "bob", Text: "earlier", Timestamp: 1}}, payload)
	assert.Equal(t, 1, srv.Connections())

	send, err := protocol.NewEvent(protocol.EventSendMessage, protocol.OutgoingMessage{User: "alice", Text: "hello"})
	require.NoError(t, err)
	p, err := send.Packet()
	require.NoError(t, err)
	c.post(p)

	ev = c.nextEvent()
	require.Equal(t, protocol.EventNewMessage, ev.Name)
	payload, err = protocol.ParseServerEvent(ev)
	require.NoError(t, err)
	msg := payload.(protocol.Message)
	assert.Equal(t, "alice", msg.User)
	assert.Equal(t, "hello", msg.Text)
	assert.NotEmpty(t, msg.ID)
	assert.Len(t, srv.History().All(), 2)
}

func TestPolling_RefusedConnect(t *testing.T) {
	srv, ts := newTestServer(t, fastConfig())
	srv.RefuseConnections("maintenance")

	c := openPolling(t, ts.URL)
	c.post(protocol.ConnectPacket())

	sp := c.nextSocketPacket()
	assert.Equal(t, protocol.SocketConnectError, sp.Type)
	assert.True(t, strings.Contains(string(sp.Data), "maintenance"))
	assert.Zero(t, srv.Connections())
}

func TestHeartbeat_EvictsSilentSockets(t *testing.T) {
	srv, ts := newTestServer(t, fastConfig())

	openPolling(t, ts.URL)
	require.Equal(t, 1, srv.sockets.Count())

	// Nobody answers the pings.
	assert.Eventually(t, func() bool { return srv.sockets.Count() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestSendMessage_RateLimited(t *testing.T) {
	cfg := fastConfig()
	cfg.RedisAddr = "localhost:6379"
	srv, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	c := openPolling(t, ts.URL)
	c.post(protocol.ConnectPacket())
	require.Equal(t, protocol.SocketConnect, c.nextSocketPacket().Type)

	user := "flooder-" + uuid.New().String()[:8]
	for i := 0; i < 7; i++ {
		send, err := protocol.NewEvent(protocol.EventSendMessage, protocol.OutgoingMessage{User: user, Text: "spam"})
		require.NoError(t, err)
		p, err := send.Packet()
		require.NoError(t, err)
		c.post(p)
	}

	assert.Eventually(t, func() bool { return len(srv.History().All()) == 5 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, srv.History().All(), 5)
}
