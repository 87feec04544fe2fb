// Package channel binds one realtime connection to the conversation state
// of one signed-in identity. It tracks connection health, applies inbound
// events through a dispatch table and emits the user's outbound actions.
//
// A Channel is owned by the client event loop. Transport signals are posted
// to that loop; once a Channel is closed every signal still in flight is
// discarded, so a torn-down channel can never touch state.
package channel

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/conversation"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/transport"
)

// NotConnectedNotice is shown when the user sends while offline.
const NotConnectedNotice = "You are not connected to the server"

// ErrNotConnected is returned by SendMessage when the channel is not
// connected.
var ErrNotConnected = errors.New("channel: not connected")

// Health is the connection health of a channel.
type Health int

const (
	Disconnected Health = iota
	Connected
	Errored
)

func (h Health) String() string {
	switch h {
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "disconnected"
	}
}

// Transport is the connection a Channel drives.
type Transport interface {
	Start()
	Emit(name string, args ...interface{}) error
	Close() error
}

// DialFunc creates the Transport for a channel. deliver must be handed every
// transport signal.
type DialFunc func(deliver func(transport.Signal)) Transport

// Observer is told about every effect a channel applies. Calls happen on the
// event loop.
type Observer interface {
	OnHistory(identity session.Identity, msgs []protocol.Message)
	OnMessage(identity session.Identity, msg protocol.Message)
	OnTyping(identity session.Identity, user string)
	OnHealth(identity session.Identity, health Health, connectionError bool)
}

// Params configures a Channel.
type Params struct {
	Identity     session.Identity
	Conversation *conversation.State
	// Post runs a function on the event loop.
	Post     func(func())
	Dial     DialFunc
	Observer Observer
	// OnChange runs on the event loop after any state change.
	OnChange func()
	Logger   zerolog.Logger
}

// Channel is one realtime session for one identity.
type Channel struct {
	id         string
	identity   session.Identity
	conv       *conversation.State
	post       func(func())
	transport  Transport
	dispatcher *Dispatcher
	observer   Observer
	onChange   func()
	log        zerolog.Logger

	health          Health
	connectionError bool
	gaveUp          bool
	closed          bool
}

// Open creates a Channel and starts connecting.
func Open(p Params) *Channel {
	id := uuid.New().String()
	c := &Channel{
		id:       id,
		identity: p.Identity,
		conv:     p.Conversation,
		post:     p.Post,
		observer: p.Observer,
		onChange: p.OnChange,
		log:      p.Logger.With().Str("channel", id[:8]).Str("user", p.Identity.Username).Logger(),
	}

	c.dispatcher = NewDispatcher(c.log)
	c.dispatcher.Register(protocol.EventGetMessages, c.onHistory)
	c.dispatcher.Register(protocol.EventNewMessage, c.onNewMessage)
	c.dispatcher.Register(protocol.EventUserTyping, c.onUserTyping)

	c.transport = p.Dial(func(s transport.Signal) {
		c.post(func() { c.handleSignal(s) })
	})
	metrics.ConnectionHealth.Set(metrics.HealthDisconnected)
	c.log.Info().Msg("[channel] opening")
	c.transport.Start()
	return c
}

// ID identifies the channel instance in logs.
func (c *Channel) ID() string { return c.id }

// Identity returns the identity the channel was opened for.
func (c *Channel) Identity() session.Identity { return c.identity }

// Health returns the current connection health.
func (c *Channel) Health() Health { return c.health }

// ConnectionError reports whether a connection error happened since the
// last successful connect.
func (c *Channel) ConnectionError() bool { return c.connectionError }

// GaveUp reports whether the reconnection policy is exhausted.
func (c *Channel) GaveUp() bool { return c.gaveUp }

// Closed reports whether Close was called.
func (c *Channel) Closed() bool { return c.closed }

// SendMessage emits text as the channel's identity. Blank text is ignored.
func (c *Channel) SendMessage(text string) error {
	if c.closed || c.health != Connected {
		return ErrNotConnected
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	err := c.transport.Emit(protocol.EventSendMessage, protocol.OutgoingMessage{
		User: c.identity.Username,
		Text: text,
	})
	if errors.Is(err, transport.ErrNotConnected) {
		return ErrNotConnected
	}
	return err
}

// NotifyTyping tells the room the user is typing. It does nothing while not
// connected.
func (c *Channel) NotifyTyping() {
	if c.closed || c.health != Connected {
		return
	}
	if err := c.transport.Emit(protocol.EventTyping, c.identity.Username); err != nil {
		c.log.Debug().Err(err).Msg("[channel] typing notification failed")
	}
}

// Close stops the transport and cancels the typing timer. Signals already
// posted by this channel are dropped when they reach the loop.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.transport.Close(); err != nil {
		c.log.Debug().Err(err).Msg("[channel] transport close")
	}
	c.conv.ClearTyping()
	c.health = Disconnected
	metrics.ConnectionHealth.Set(metrics.HealthDisconnected)
	c.log.Info().Msg("[channel] closed")
}

func (c *Channel) handleSignal(s transport.Signal) {
	if c.closed {
		metrics.StaleEventsDropped.Inc()
		return
	}

	switch s.Kind {
	case transport.SignalConnected:
		c.setHealth(Connected, false)
		c.gaveUp = false
		c.log.Info().Str("transport", s.Transport).Msg("[channel] connected")
	case transport.SignalConnectError:
		c.setHealth(Errored, true)
		c.log.Warn().Err(s.Err).Msg("[channel] connection error")
	case transport.SignalDisconnected:
		c.setHealth(Disconnected, c.connectionError)
		c.log.Info().Str("reason", s.Reason).Msg("[channel] disconnected")
	case transport.SignalReconnectFailed:
		c.gaveUp = true
		c.log.Warn().Msg("[channel] reconnection attempts exhausted")
	case transport.SignalEvent:
		if !c.dispatcher.Dispatch(s.Event) {
			return
		}
	}
	c.changed()
}

func (c *Channel) setHealth(h Health, connectionError bool) {
	c.health = h
	c.connectionError = connectionError
	switch h {
	case Connected:
		metrics.ConnectionHealth.Set(metrics.HealthConnected)
	case Errored:
		metrics.ConnectionHealth.Set(metrics.HealthErrored)
	default:
		metrics.ConnectionHealth.Set(metrics.HealthDisconnected)
	}
	if c.observer != nil {
		c.observer.OnHealth(c.identity, h, connectionError)
	}
}

func (c *Channel) onHistory(payload interface{}) {
	msgs := payload.([]protocol.Message)
	c.conv.ReplaceHistory(msgs)
	c.log.Debug().Int("count", len(msgs)).Msg("[channel] history replaced")
	if c.observer != nil {
		c.observer.OnHistory(c.identity, msgs)
	}
}

func (c *Channel) onNewMessage(payload interface{}) {
	msg := payload.(protocol.Message)
	c.conv.Append(msg)
	if c.observer != nil {
		c.observer.OnMessage(c.identity, msg)
	}
}

func (c *Channel) onUserTyping(payload interface{}) {
	user := payload.(string)
	c.conv.SetTyping(user)
	if c.observer != nil {
		c.observer.OnTyping(c.identity, user)
	}
}

func (c *Channel) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
