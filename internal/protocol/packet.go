// Package protocol defines the wire format spoken with the chat backend.
// Frames follow Engine.IO v4 (transport framing and heartbeat) and carry
// Socket.IO v5 packets (namespace connect and named JSON events). Only the
// text subset used by the chat backend is implemented: no binary
// attachments and no acknowledgements.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Engine.IO packets
// ---------------------------------------------------------------------------

// PacketType is the Engine.IO packet type, encoded as a single ASCII digit.
type PacketType byte

// Engine.IO v4 packet types.
const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

// RecordSeparator delimits packets inside an HTTP long-polling payload.
const RecordSeparator = 0x1e

// EngineVersion is the Engine.IO protocol revision sent in the EIO query
// parameter.
const EngineVersion = "4"

// String returns a readable name for logging.
func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Packet is a single Engine.IO packet.
type Packet struct {
	Type PacketType
	Data []byte
}

// Encode returns the text encoding of the packet: the type digit followed by
// the raw data.
func (p Packet) Encode() []byte {
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte(p.Type))
	return append(out, p.Data...)
}

// DecodePacket parses a single text-encoded Engine.IO packet. The returned
// packet owns a copy of the data.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, fmt.Errorf("protocol: empty packet")
	}
	t := PacketType(data[0])
	if t < PacketOpen || t > PacketNoop {
		return Packet{}, fmt.Errorf("protocol: unknown packet type %q", data[0])
	}
	p := Packet{Type: t}
	if len(data) > 1 {
		p.Data = append([]byte(nil), data[1:]...)
	}
	return p, nil
}

// EncodePayload joins packets for an HTTP long-polling request body.
func EncodePayload(packets []Packet) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(RecordSeparator)
		}
		buf.Write(p.Encode())
	}
	return buf.Bytes()
}

// DecodePayload splits an HTTP long-polling response body into packets.
func DecodePayload(data []byte) ([]Packet, error) {
	if len(data) == 0 {
		return nil, nil
	}
	parts := bytes.Split(data, []byte{RecordSeparator})
	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Handshake is the JSON body of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// ParseHandshake decodes an open packet.
func ParseHandshake(p Packet) (Handshake, error) {
	if p.Type != PacketOpen {
		return Handshake{}, fmt.Errorf("protocol: expected open packet, got %s", p.Type)
	}
	var h Handshake
	if err := json.Unmarshal(p.Data, &h); err != nil {
		return Handshake{}, fmt.Errorf("protocol: failed to decode handshake: %w", err)
	}
	if h.SID == "" {
		return Handshake{}, fmt.Errorf("protocol: handshake without sid")
	}
	return h, nil
}

// HeartbeatDeadline is how long the client waits for any server traffic
// before declaring the connection lost.
func (h Handshake) HeartbeatDeadline() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

// OpenPacket builds the open packet sent by a server.
func OpenPacket(h Handshake) (Packet, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return Packet{}, fmt.Errorf("protocol: failed to marshal handshake: %w", err)
	}
	return Packet{Type: PacketOpen, Data: data}, nil
}

// ---------------------------------------------------------------------------
// Socket.IO packets
// ---------------------------------------------------------------------------

// SocketPacketType is the Socket.IO packet type carried inside an Engine.IO
// message packet.
type SocketPacketType byte

// Socket.IO v5 packet types. Binary variants are not supported.
const (
	SocketConnect      SocketPacketType = '0'
	SocketDisconnect   SocketPacketType = '1'
	SocketEvent        SocketPacketType = '2'
	SocketAck          SocketPacketType = '3'
	SocketConnectError SocketPacketType = '4'
)

// DefaultNamespace is the only namespace the chat backend serves.
const DefaultNamespace = "/"

// SocketPacket is a decoded Socket.IO packet.
type SocketPacket struct {
	Type      SocketPacketType
	Namespace string
	Data      json.RawMessage
}

// Packet wraps the Socket.IO packet in an Engine.IO message packet.
func (sp SocketPacket) Packet() Packet {
	var buf bytes.Buffer
	buf.WriteByte(byte(sp.Type))
	if sp.Namespace != "" && sp.Namespace != DefaultNamespace {
		buf.WriteString(sp.Namespace)
		buf.WriteByte(',')
	}
	buf.Write(sp.Data)
	return Packet{Type: PacketMessage, Data: buf.Bytes()}
}

// DecodeSocketPacket parses the Socket.IO packet inside an Engine.IO message
// packet. Acknowledgement ids are skipped.
func DecodeSocketPacket(p Packet) (SocketPacket, error) {
	if p.Type != PacketMessage {
		return SocketPacket{}, fmt.Errorf("protocol: expected message packet, got %s", p.Type)
	}
	if len(p.Data) == 0 {
		return SocketPacket{}, fmt.Errorf("protocol: empty socket packet")
	}
	sp := SocketPacket{Type: SocketPacketType(p.Data[0]), Namespace: DefaultNamespace}
	if sp.Type < SocketConnect || sp.Type > SocketConnectError {
		return SocketPacket{}, fmt.Errorf("protocol: unsupported socket packet type %q", p.Data[0])
	}
	rest := string(p.Data[1:])
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			sp.Namespace = rest
			rest = ""
		} else {
			sp.Namespace = rest[:i]
			rest = rest[i+1:]
		}
	}
	rest = strings.TrimLeft(rest, "0123456789")
	if rest != "" {
		sp.Data = json.RawMessage(rest)
	}
	return sp, nil
}

// ConnectPacket builds the namespace connect request sent by a client.
func ConnectPacket() Packet {
	return SocketPacket{Type: SocketConnect, Namespace: DefaultNamespace}.Packet()
}

// ConnectAck is the payload of a server connect packet.
type ConnectAck struct {
	SID string `json:"sid"`
}

// ConnectError is the payload of a connect_error packet.
type ConnectError struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is a named Socket.IO event with JSON arguments. On the wire it is the
// array ["name", arg0, arg1, ...].
type Event struct {
	Name string
	Args []json.RawMessage
}

// NewEvent marshals args into an Event.
func NewEvent(name string, args ...interface{}) (Event, error) {
	e := Event{Name: name, Args: make([]json.RawMessage, 0, len(args))}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Event{}, fmt.Errorf("protocol: failed to marshal %q argument: %w", name, err)
		}
		e.Args = append(e.Args, raw)
	}
	return e, nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, 1+len(e.Args))
	arr = append(arr, e.Name)
	for _, a := range e.Args {
		arr = append(arr, a)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("protocol: event is not an array: %w", err)
	}
	if len(arr) == 0 {
		return fmt.Errorf("protocol: event without a name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return fmt.Errorf("protocol: event name is not a string")
	}
	e.Name = name
	e.Args = arr[1:]
	return nil
}

// Arg decodes the i-th argument into v.
func (e Event) Arg(i int, v interface{}) error {
	if i >= len(e.Args) {
		return fmt.Errorf("protocol: %q has no argument %d", e.Name, i)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", e.Name, err)
	}
	return nil
}

// Packet encodes the event as an Engine.IO message packet on the default
// namespace.
func (e Event) Packet() (Packet, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Packet{}, fmt.Errorf("protocol: failed to marshal event %q: %w", e.Name, err)
	}
	return SocketPacket{Type: SocketEvent, Namespace: DefaultNamespace, Data: data}.Packet(), nil
}

// DecodeEvent extracts the event from a Socket.IO event packet.
func DecodeEvent(sp SocketPacket) (Event, error) {
	if sp.Type != SocketEvent {
		return Event{}, fmt.Errorf("protocol: expected event packet, got %q", byte(sp.Type))
	}
	var e Event
	if err := json.Unmarshal(sp.Data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
