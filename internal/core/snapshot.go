package core

import (
	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/session"
)

// Snapshot is everything the view renders. It is immutable once published.
type Snapshot struct {
	Seq uint64

	SignedIn bool
	Identity session.Identity

	Health          channel.Health
	ConnectionError bool
	GaveUp          bool

	Messages   []protocol.Message
	TypingUser string
	Notice     string
}

// StatusLabel is the connection label shown in the header.
func (s Snapshot) StatusLabel() string {
	if s.Health == channel.Connected {
		return "Connected"
	}
	return "Disconnected"
}

// Banner returns the connection error banner, or "".
func (s Snapshot) Banner() string {
	if s.ConnectionError {
		return ConnectionErrorBanner
	}
	return ""
}

// CanSend reports whether the message input should be enabled.
func (s Snapshot) CanSend() bool {
	return s.SignedIn && s.Health == channel.Connected
}

// Snapshot returns the latest published snapshot.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe returns a channel that always holds the latest snapshot, starting
// with the current one. Slow readers skip intermediate snapshots; the loop
// never waits for them. Call the returned function to unsubscribe.
func (c *Core) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	ch <- c.snap
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

// publish builds a snapshot from loop-owned state and hands it to every
// subscriber.
func (c *Core) publish() {
	snap := Snapshot{
		Messages:   c.conv.Messages(),
		TypingUser: c.conv.TypingUser(),
		Notice:     c.notice,
	}
	if id, ok := c.store.Current(); ok {
		snap.SignedIn = true
		snap.Identity = id
	}
	if c.ch != nil {
		snap.Health = c.ch.Health()
		snap.ConnectionError = c.ch.ConnectionError()
		snap.GaveUp = c.ch.GaveUp()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	snap.Seq = c.seq
	c.snap = snap
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
