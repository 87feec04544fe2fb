package mirror

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/session"
)

var alice = session.Identity{ID: "u1", Username: "alice"}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	out []published
	err error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.out = append(f.out, published{subject, data})
	return f.err
}

func newMirror(pub Publisher) *Mirror {
	m := New(pub, "test.chat", zerolog.Nop())
	m.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return m
}

func TestMirror_PublishesEachEffect(t *testing.T) {
	pub := &fakePublisher{}
	m := newMirror(pub)

	msg := protocol.Message{ID: "1", User: "bob", Text: "hi", Timestamp: 5}
	m.OnHistory(alice, []protocol.Message{msg})
	m.OnMessage(alice, msg)
	m.OnTyping(alice, "bob")
	m.OnHealth(alice, channel.Errored, true)

	require.Len(t, pub.out, 4)
	assert.Equal(t, "test.chat.history", pub.out[0].subject)
	assert.Equal(t, "test.chat.message", pub.out[1].subject)
	assert.Equal(t, "test.chat.typing", pub.out[2].subject)
	assert.Equal(t, "test.chat.health", pub.out[3].subject)

	ev, err := Decode(pub.out[1].data)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, ev.Type)
	assert.Equal(t, "alice", ev.Observer)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg, *ev.Message)
	assert.Equal(t, int64(1700000000000), ev.Ts)

	ev, err = Decode(pub.out[3].data)
	require.NoError(t, err)
	assert.Equal(t, "errored", ev.Health)
	assert.True(t, ev.ConnectionError)
}

func TestMirror_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	m := newMirror(pub)

	assert.NotPanics(t, func() { m.OnTyping(alice, "bob") })
	assert.Len(t, pub.out, 1)
}

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local).UnixMilli()
	msg := protocol.Message{User: "bob", Text: "hi"}

	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: TypeMessage, Observer: "alice", Message: &msg, Ts: ts}, "10:00:00 [alice] bob: hi"},
		{Event{Type: TypeTyping, Observer: "alice", Typing: "bob", Ts: ts}, "10:00:00 [alice] bob is typing..."},
		{Event{Type: TypeHealth, Observer: "alice", Health: "errored", ConnectionError: true, Ts: ts}, "10:00:00 [alice] errored (connection error)"},
		{Event{Type: TypeHistory, Observer: "alice", Messages: []protocol.Message{msg, msg}, Ts: ts}, "10:00:00 [alice] history: 2 messages"},
		{Event{Type: TypeMessage, Observer: "alice", Ts: ts}, "10:00:00 [alice] message"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.ev))
	}
}

func TestNATSClient_RoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	got := make(chan Event, 1)
	require.NoError(t, client.Subscribe("test_whisper.chat.>", func(_ string, data []byte) {
		if ev, err := Decode(data); err == nil {
			got <- ev
		}
	}))
	require.NoError(t, client.Flush())

	m := New(client, "test_whisper.chat", zerolog.Nop())
	m.OnTyping(alice, "bob")
	require.NoError(t, client.Flush())

	select {
	case ev := <-got:
		assert.Equal(t, TypeTyping, ev.Type)
		assert.Equal(t, "bob", ev.Typing)
	case <-time.After(2 * time.Second):
		t.Fatal("no mirrored event received")
	}
}
