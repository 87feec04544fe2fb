package channel

import (
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/protocol"
)

// EventHandler applies a parsed server event. The payload is the concrete
// value returned by protocol.ParseServerEvent.
type EventHandler func(payload interface{})

// Dispatcher routes server events to handlers by event name.
type Dispatcher struct {
	handlers map[string]EventHandler
	log      zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler), log: logger}
}

// Register associates a handler with an event name, replacing any previous
// one.
func (d *Dispatcher) Register(name string, handler EventHandler) {
	d.handlers[name] = handler
}

// Dispatch parses ev and runs its handler. It reports whether a handler ran;
// unknown and malformed events are logged and dropped without side effects.
func (d *Dispatcher) Dispatch(ev protocol.Event) bool {
	handler, ok := d.handlers[ev.Name]
	if !ok {
		d.log.Debug().Str("event", ev.Name).Msg("[channel] unhandled event")
		return false
	}
	payload, err := protocol.ParseServerEvent(ev)
	if err != nil {
		d.log.Warn().Err(err).Str("event", ev.Name).Msg("[channel] dropping malformed event")
		return false
	}
	handler(payload)
	return true
}
