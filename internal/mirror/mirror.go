// Package mirror republishes what a chat client observes to NATS, so other
// processes (bots, loggers, dashboards) can follow the room without their
// own realtime connection.
//
// Subjects are <prefix>.history, <prefix>.message, <prefix>.typing and
// <prefix>.health; every payload is a JSON Event.
package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/channel"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/session"
)

// Event types, also used as subject suffixes.
const (
	TypeHistory = "history"
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeHealth  = "health"
)

// Event is the payload published for each observed effect.
type Event struct {
	Type            string             `json:"type"`
	Observer        string             `json:"observer"` // username of the mirroring client
	Messages        []protocol.Message `json:"messages,omitempty"`
	Message         *protocol.Message  `json:"message,omitempty"`
	Typing          string             `json:"typing,omitempty"`
	Health          string             `json:"health,omitempty"`
	ConnectionError bool               `json:"connection_error,omitempty"`
	Ts              int64              `json:"ts"` // epoch milliseconds
}

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror implements channel.Observer by publishing every effect.
type Mirror struct {
	pub    Publisher
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

var _ channel.Observer = (*Mirror)(nil)

// New creates a Mirror publishing under prefix.
func New(pub Publisher, prefix string, logger zerolog.Logger) *Mirror {
	if prefix == "" {
		prefix = "whisper.chat"
	}
	return &Mirror{pub: pub, prefix: prefix, now: time.Now, log: logger}
}

// Subject returns the subject for an event type.
func (m *Mirror) Subject(eventType string) string {
	return m.prefix + "." + eventType
}

func (m *Mirror) OnHistory(id session.Identity, msgs []protocol.Message) {
	m.publish(Event{Type: TypeHistory, Observer: id.Username, Messages: msgs})
}

func (m *Mirror) OnMessage(id session.Identity, msg protocol.Message) {
	m.publish(Event{Type: TypeMessage, Observer: id.Username, Message: &msg})
}

func (m *Mirror) OnTyping(id session.Identity, user string) {
	m.publish(Event{Type: TypeTyping, Observer: id.Username, Typing: user})
}

func (m *Mirror) OnHealth(id session.Identity, h channel.Health, connectionError bool) {
	m.publish(Event{Type: TypeHealth, Observer: id.Username, Health: h.String(), ConnectionError: connectionError})
}

// publish never fails the caller; the mirror is best effort.
func (m *Mirror) publish(ev Event) {
	ev.Ts = m.now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Str("type", ev.Type).Msg("[mirror] marshal")
		return
	}
	if err := m.pub.Publish(m.Subject(ev.Type), data); err != nil {
		m.log.Warn().Err(err).Str("type", ev.Type).Msg("[mirror] publish failed")
	}
}

// Decode parses a mirrored payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Format renders ev as one human-readable line.
func Format(ev Event) string {
	at := time.UnixMilli(ev.Ts).Local().Format("15:04:05")
	switch ev.Type {
	case TypeHistory:
		return fmt.Sprintf("%s [%s] history: %d messages", at, ev.Observer, len(ev.Messages))
	case TypeMessage:
		if ev.Message == nil {
			break
		}
		return fmt.Sprintf("%s [%s] %s: %s", at, ev.Observer, ev.Message.User, ev.Message.Text)
	case TypeTyping:
		return fmt.Sprintf("%s [%s] %s is typing...", at, ev.Observer, ev.Typing)
	case TypeHealth:
		if ev.ConnectionError {
			return fmt.Sprintf("%s [%s] %s (connection error)", at, ev.Observer, ev.Health)
		}
		return fmt.Sprintf("%s [%s] %s", at, ev.Observer, ev.Health)
	}
	return fmt.Sprintf("%s [%s] %s", at, ev.Observer, ev.Type)
}
