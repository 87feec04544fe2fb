package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-client/internal/protocol"
)

// loop stands in for the owner's event loop: posted closures queue up and
// run when drain is called from the test goroutine.
type loop struct {
	mu      sync.Mutex
	pending []func()
}

func (l *loop) post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
}

func (l *loop) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *loop) drain() {
	l.mu.Lock()
	fns := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func newState(t *testing.T) (*State, *clock.Mock, *loop) {
	t.Helper()
	mock := clock.NewMock()
	l := &loop{}
	return New(l.post, WithClock(mock)), mock, l
}

func m(id, user, text string, ts int64) protocol.Message {
	return protocol.Message{ID: id, User: user, Text: text, Timestamp: ts}
}

func TestReplaceHistory_Wholesale(t *testing.T) {
	s, _, _ := newState(t)
	s.Append(m("old", "bob", "stale", 1))

	history := []protocol.Message{m("1", "alice", "hi", 10), m("2", "bob", "yo", 5)}
	s.ReplaceHistory(history)

	// Server order is kept, even when timestamps disagree.
	if diff := cmp.Diff(history, s.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	history[0].Text = "mutated"
	assert.Equal(t, "hi", s.Messages()[0].Text, "state must not alias the caller's slice")
}

func TestReplaceHistory_EmptyIsNotNil(t *testing.T) {
	s, _, _ := newState(t)
	s.Append(m("1", "alice", "a", 1))

	s.ReplaceHistory(nil)
	assert.NotNil(t, s.Messages())
	assert.Empty(t, s.Messages())
}

func TestAppend_PreservesArrivalOrderWithoutDedup(t *testing.T) {
	s, _, _ := newState(t)
	s.ReplaceHistory([]protocol.Message{m("1", "alice", "a", 1)})
	s.Append(m("2", "bob", "b", 2))
	s.Append(m("2", "bob", "b", 2))

	want := []protocol.Message{m("1", "alice", "a", 1), m("2", "bob", "b", 2), m("2", "bob", "b", 2)}
	if diff := cmp.Diff(want, s.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, s.Len())
}

func TestMessages_ReturnsCopy(t *testing.T) {
	s, _, _ := newState(t)
	s.Append(m("1", "alice", "a", 1))

	got := s.Messages()
	got[0].Text = "changed"
	assert.Equal(t, "a", s.Messages()[0].Text)
}

func TestTyping_ClearsAfterQuietPeriod(t *testing.T) {
	s, mock, l := newState(t)

	s.SetTyping("bob")
	assert.Equal(t, "bob", s.TypingUser())

	mock.Add(1999 * time.Millisecond)
	l.drain()
	assert.Equal(t, "bob", s.TypingUser())

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	l.drain()
	assert.Equal(t, "", s.TypingUser())
}

func TestTyping_NewEventRestartsTimer(t *testing.T) {
	s, mock, l := newState(t)

	s.SetTyping("bob")
	mock.Add(1500 * time.Millisecond)
	s.SetTyping("carol")
	mock.Add(1500 * time.Millisecond)
	l.drain()
	assert.Equal(t, "carol", s.TypingUser(), "second event must get its own 2000ms")

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	l.drain()
	assert.Equal(t, "", s.TypingUser())
}

func TestTyping_SupersededExpiryIsIgnored(t *testing.T) {
	s, mock, l := newState(t)

	// The first timer fires and its expiry is queued, but a new typing
	// event is processed before the loop gets to it.
	s.SetTyping("bob")
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	s.SetTyping("bob")

	l.drain()
	assert.Equal(t, "bob", s.TypingUser())
}

func TestAppend_ClearsTypingAndCancelsTimer(t *testing.T) {
	s, mock, l := newState(t)

	s.SetTyping("bob")
	s.Append(m("1", "bob", "done", 1))
	assert.Equal(t, "", s.TypingUser())

	mock.Add(5 * time.Second)
	l.drain()
	assert.Zero(t, l.count())

	// A later indicator is not cleared by the cancelled timer.
	s.SetTyping("carol")
	l.drain()
	assert.Equal(t, "carol", s.TypingUser())
}

func TestReset(t *testing.T) {
	s, mock, l := newState(t)
	s.Append(m("1", "alice", "a", 1))
	s.SetTyping("bob")

	s.Reset()
	assert.Empty(t, s.Messages())
	assert.NotNil(t, s.Messages())
	assert.Equal(t, "", s.TypingUser())

	mock.Add(3 * time.Second)
	l.drain()
	assert.Equal(t, "", s.TypingUser())
}

func TestOnChange_CalledOnExpiry(t *testing.T) {
	mock := clock.NewMock()
	l := &loop{}
	changes := 0
	s := New(l.post, WithClock(mock), WithTypingTimeout(100*time.Millisecond), WithOnChange(func() { changes++ }))

	s.SetTyping("bob")
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	l.drain()

	assert.Equal(t, 1, changes)
	assert.Equal(t, "", s.TypingUser())
}
