package devserver

import (
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/protocol"
)

// EventHandler handles a parsed client event. The payload is the concrete
// value returned by protocol.ParseClientEvent.
type EventHandler func(sock *Socket, payload interface{})

// Dispatcher routes client events to registered handlers by name.
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

// Dispatch parses ev and routes it. Malformed and unsupported events are
// logged and dropped.
func (d *Dispatcher) Dispatch(sock *Socket, ev protocol.Event) {
	payload, err := protocol.ParseClientEvent(ev)
	if err != nil {
		d.log.Warn().Err(err).Str("sid", sock.ID).Msg("[devserver] dispatch parse error")
		return
	}
	handler, ok := d.handlers[ev.Name]
	if !ok {
		d.log.Warn().Str("event", ev.Name).Str("sid", sock.ID).Msg("[devserver] unsupported event")
		return
	}
	handler(sock, payload)
}
