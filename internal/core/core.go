// Package core is the chat client's single state owner. One goroutine runs
// the event loop; the session store, the current channel and the
// conversation state are only touched from it. Transport signals, timer
// expiries and user intents all arrive as closures posted to the loop, and
// every change is published as an immutable Snapshot for the view.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/auth"
	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/conversation"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/transport"
)

// ConnectionErrorBanner is shown while a connection error is outstanding.
const ConnectionErrorBanner = "Unable to connect to the chat server. Please make sure the server is running."

const (
	eventQueueSize       = 256
	transportStopTimeout = 3 * time.Second
)

// ErrStopped is returned by intents issued after the loop has exited.
var ErrStopped = errors.New("core: stopped")

// Authenticator performs sign-in and sign-up against the auth API.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (session.Identity, error)
	SignUp(ctx context.Context, req auth.SignUpRequest) (session.Identity, error)
}

// Options configures a Core.
type Options struct {
	Store *session.Store
	Auth  Authenticator

	// Transport is used for every channel unless Dial is set.
	Transport transport.Options
	Dial      channel.DialFunc

	// Observer, if set, is told about every applied effect.
	Observer channel.Observer

	TypingTimeout time.Duration
	Clock         clock.Clock
	Logger        zerolog.Logger
}

// Core owns the client state and serializes every mutation.
type Core struct {
	opts Options
	log  zerolog.Logger

	events   chan func()
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Loop-owned.
	store    *session.Store
	conv     *conversation.State
	ch       *channel.Channel
	notice   string
	managers []*transport.Manager

	mu   sync.Mutex
	snap Snapshot
	seq  uint64
	subs map[chan Snapshot]struct{}
}

// New creates a Core. Call Run to start the loop.
func New(opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Core{
		opts:     opts,
		log:      opts.Logger,
		events:   make(chan func(), eventQueueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		store:    opts.Store,
		subs:     make(map[chan Snapshot]struct{}),
	}
	c.conv = conversation.New(c.post,
		conversation.WithClock(opts.Clock),
		conversation.WithTypingTimeout(opts.TypingTimeout),
		conversation.WithOnChange(c.publish),
	)
	c.store.OnClear(c.teardown)
	c.snap = Snapshot{Messages: []protocol.Message{}}
	return c
}

// Run loads the persisted session, starts a channel if one exists and
// processes events until ctx is done. Everything is torn down before it
// returns.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.done)

	if id, ok := c.store.Load(ctx); ok {
		c.openChannel(id)
	}
	c.publish()
	c.log.Info().Msg("[core] event loop started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// Done is closed when Run has returned.
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// post queues fn for the loop. Closures posted after shutdown began are
// dropped.
func (c *Core) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.stopping:
	}
}

// call runs fn on the loop and waits for its result.
func (c *Core) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case c.events <- func() { result <- fn() }:
	case <-c.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignIn authenticates and, on success, makes the returned identity the
// active session with a fresh conversation and channel.
func (c *Core) SignIn(ctx context.Context, email, password string) error {
	id, err := c.opts.Auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return c.call(ctx, func() error { return c.activate(ctx, id) })
}

// SignUp registers an account and signs it in.
func (c *Core) SignUp(ctx context.Context, req auth.SignUpRequest) error {
	id, err := c.opts.Auth.SignUp(ctx, req)
	if err != nil {
		return err
	}
	return c.call(ctx, func() error { return c.activate(ctx, id) })
}

// SignOut clears the session. The store notifies the loop, which tears the
// channel and conversation down.
func (c *Core) SignOut(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.store.Clear(ctx)
		return nil
	})
}

// SendMessage sends text to the room. While not connected it returns
// channel.ErrNotConnected and raises the not-connected notice.
func (c *Core) SendMessage(ctx context.Context, text string) error {
	return c.call(ctx, func() error {
		var err error
		if c.ch == nil {
			err = channel.ErrNotConnected
		} else {
			err = c.ch.SendMessage(text)
		}
		switch {
		case errors.Is(err, channel.ErrNotConnected):
			c.notice = channel.NotConnectedNotice
		case err == nil:
			c.notice = ""
		}
		c.publish()
		return err
	})
}

// NotifyTyping tells the room the user is typing. It never blocks on the
// network.
func (c *Core) NotifyTyping() {
	c.post(func() {
		if c.ch != nil {
			c.ch.NotifyTyping()
		}
	})
}

// DismissNotice clears the current notice.
func (c *Core) DismissNotice() {
	c.post(func() {
		if c.notice != "" {
			c.notice = ""
			c.publish()
		}
	})
}

func (c *Core) activate(ctx context.Context, id session.Identity) error {
	c.closeChannel()
	c.conv.Reset()
	c.notice = ""

	if err := c.store.Save(ctx, id); err != nil {
		c.log.Error().Err(err).Msg("[core] could not persist session")
		c.publish()
		return err
	}
	c.openChannel(id)
	c.publish()
	return nil
}

func (c *Core) openChannel(id session.Identity) {
	c.ch = channel.Open(channel.Params{
		Identity:     id,
		Conversation: c.conv,
		Post:         c.post,
		Dial:         c.dialer(),
		Observer:     c.opts.Observer,
		OnChange:     c.publish,
		Logger:       c.log,
	})
}

func (c *Core) dialer() channel.DialFunc {
	if c.opts.Dial != nil {
		return c.opts.Dial
	}
	return func(deliver func(transport.Signal)) channel.Transport {
		opts := c.opts.Transport
		opts.Logger = c.log
		m := transport.NewManager(opts, deliver)
		c.trackManager(m)
		return m
	}
}

// trackManager remembers m until it has stopped so shutdown can wait for it.
func (c *Core) trackManager(m *transport.Manager) {
	live := c.managers[:0]
	for _, old := range c.managers {
		select {
		case <-old.Done():
		default:
			live = append(live, old)
		}
	}
	c.managers = append(live, m)
}

// teardown runs on the loop after the session was cleared.
func (c *Core) teardown() {
	c.closeChannel()
	c.conv.Reset()
	c.notice = ""
	c.publish()
}

func (c *Core) closeChannel() {
	if c.ch == nil {
		return
	}
	c.ch.Close()
	c.ch = nil
}

func (c *Core) shutdown() {
	c.closeChannel()
	c.conv.ClearTyping()
	c.stopOnce.Do(func() { close(c.stopping) })

	deadline := time.After(transportStopTimeout)
	for _, m := range c.managers {
		select {
		case <-m.Done():
		case <-deadline:
			c.log.Warn().Msg("[core] transport did not stop in time")
			return
		}
	}
	c.log.Info().Msg("[core] event loop stopped")
}
