package protocol

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Server -> Client events.
const (
	EventGetMessages = "get-messages"
	EventNewMessage  = "new-message"
	EventUserTyping  = "user-typing"
)

// Client -> Server events.
const (
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// Message is a chat message as assigned by the server.
type Message struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Time converts the epoch-millisecond timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// OutgoingMessage is the send-message payload.
type OutgoingMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent decodes an inbound event into its typed payload:
// []Message for get-messages, Message for new-message and string for
// user-typing. Unknown events return an error.
func ParseServerEvent(e Event) (interface{}, error) {
	switch e.Name {
	case EventGetMessages:
		var msgs []Message
		if err := e.Arg(0, &msgs); err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []Message{}
		}
		return msgs, nil
	case EventNewMessage:
		var m Message
		if err := e.Arg(0, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventUserTyping:
		var user string
		if err := e.Arg(0, &user); err != nil {
			return nil, err
		}
		return user, nil
	default:
		return nil, fmt.Errorf("protocol: unknown server event: %q", e.Name)
	}
}

// ParseClientEvent decodes an event sent by a client: OutgoingMessage for
// send-message and string for typing.
func ParseClientEvent(e Event) (interface{}, error) {
	switch e.Name {
	case EventSendMessage:
		var m OutgoingMessage
		if err := e.Arg(0, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventTyping:
		var user string
		if err := e.Arg(0, &user); err != nil {
			return nil, err
		}
		return user, nil
	default:
		return nil, fmt.Errorf("protocol: unknown client event: %q", e.Name)
	}
}
