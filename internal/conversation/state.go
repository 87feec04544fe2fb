// Package conversation holds the message log and typing indicator of the
// single chat room. State is not safe for concurrent use: it belongs to the
// client event loop, and timer expiry is handed back to that loop through
// the post function.
package conversation

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/chat-client/internal/protocol"
)

// DefaultTypingTimeout is how long the typing indicator stays up without a
// new typing event.
const DefaultTypingTimeout = 2000 * time.Millisecond

// State is the ordered message log plus the ephemeral typing indicator.
type State struct {
	clock   clock.Clock
	post    func(func())
	timeout time.Duration

	messages []protocol.Message

	typingUser  string
	typingTimer *clock.Timer
	// typingSeq identifies the current indicator. An expiry carrying an
	// older value was superseded and is ignored.
	typingSeq uint64

	onChange func()
}

// Option configures a State.
type Option func(*State)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *State) { s.clock = c }
}

// WithTypingTimeout sets the typing quiet period.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *State) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithOnChange registers fn to run, on the owner's goroutine, after a timer
// expiry changed the state.
func WithOnChange(fn func()) Option {
	return func(s *State) { s.onChange = fn }
}

// New creates an empty State. post must run its argument on the goroutine
// that owns the State.
func New(post func(func()), opts ...Option) *State {
	s := &State{
		clock:    clock.New(),
		post:     post,
		timeout:  DefaultTypingTimeout,
		messages: []protocol.Message{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplaceHistory replaces the whole log with msgs, in the given order.
func (s *State) ReplaceHistory(msgs []protocol.Message) {
	s.messages = append(make([]protocol.Message, 0, len(msgs)), msgs...)
}

// Append adds msg to the end of the log and clears the typing indicator,
// since the typist has evidently finished.
func (s *State) Append(msg protocol.Message) {
	s.messages = append(s.messages, msg)
	s.ClearTyping()
}

// SetTyping shows user as typing and restarts the quiet-period timer.
func (s *State) SetTyping(user string) {
	s.stopTimer()
	s.typingSeq++
	s.typingUser = user

	seq := s.typingSeq
	s.typingTimer = s.clock.AfterFunc(s.timeout, func() {
		s.post(func() { s.expire(seq) })
	})
}

// ClearTyping hides the typing indicator and cancels its timer.
func (s *State) ClearTyping() {
	s.stopTimer()
	s.typingSeq++
	s.typingUser = ""
}

// Reset empties the log and the typing indicator.
func (s *State) Reset() {
	s.ClearTyping()
	s.messages = []protocol.Message{}
}

// Messages returns a copy of the log in arrival order.
func (s *State) Messages() []protocol.Message {
	return append(make([]protocol.Message, 0, len(s.messages)), s.messages...)
}

// Len returns the number of messages.
func (s *State) Len() int {
	return len(s.messages)
}

// TypingUser returns the user shown as typing, or "".
func (s *State) TypingUser() string {
	return s.typingUser
}

func (s *State) stopTimer() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *State) expire(seq uint64) {
	if seq != s.typingSeq {
		return
	}
	s.typingTimer = nil
	s.typingUser = ""
	if s.onChange != nil {
		s.onChange()
	}
}
