package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO packet types. The type is the first byte of every websocket frame.
type engineType byte

const (
	engineOpen    engineType = '0'
	engineClose   engineType = '1'
	enginePing    engineType = '2'
	enginePong    engineType = '3'
	engineMessage engineType = '4'
	engineUpgrade engineType = '5'
	engineNoop    engineType = '6'
)

// Socket.IO packet types, carried in the first byte of an Engine.IO message.
type socketType byte

const (
	socketConnect      socketType = '0'
	socketDisconnect   socketType = '1'
	socketEvent        socketType = '2'
	socketAck          socketType = '3'
	socketConnectError socketType = '4'
	socketBinaryEvent  socketType = '5'
	socketBinaryAck    socketType = '6'
)

const defaultNamespace = "/"

var ErrBinaryUnsupported = errors.New("binary packets are not supported")

// Packet is a decoded websocket frame.
type Packet struct {
	Engine engineType
	// Socket is set when Engine is engineMessage.
	Socket    socketType
	Namespace string
	// AckID is -1 when the packet does not carry an ack id.
	AckID int
	// Event is the event name of an event packet.
	Event string
	// Data is the first event argument for event packets and the raw
	// payload for every other packet.
	Data json.RawMessage
}

// openPayload is the body of the Engine.IO open packet.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type connectErrorPayload struct {
	Message string `json:"message"`
}

func decodePacket(b []byte) (*Packet, error) {
	if len(b) == 0 {
		return nil, errors.New("empty packet")
	}
	p := &Packet{Engine: engineType(b[0]), AckID: -1, Namespace: defaultNamespace}
	rest := b[1:]
	switch p.Engine {
	case engineOpen, engineClose, enginePing, enginePong, engineUpgrade, engineNoop:
		p.Data = rest
		return p, nil
	case engineMessage:
	default:
		return nil, fmt.Errorf("unknown engine packet type %q", b[0])
	}

	if len(rest) == 0 {
		return nil, errors.New("empty message packet")
	}
	p.Socket = socketType(rest[0])
	rest = rest[1:]
	switch p.Socket {
	case socketConnect, socketDisconnect, socketEvent, socketAck, socketConnectError:
	case socketBinaryEvent, socketBinaryAck:
		return nil, ErrBinaryUnsupported
	default:
		return nil, fmt.Errorf("unknown socket packet type %q", p.Socket)
	}

	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			p.Namespace = string(rest[:i])
			rest = rest[i+1:]
		} else {
			p.Namespace = string(rest)
			rest = nil
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return nil, fmt.Errorf("ack id: %w", err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if p.Socket != socketEvent {
		p.Data = rest
		return p, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(rest, &args); err != nil {
		return nil, fmt.Errorf("Unmarshal event: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("event packet without a name")
	}
	if err := json.Unmarshal(args[0], &p.Event); err != nil {
		return nil, fmt.Errorf("Unmarshal event name: %w", err)
	}
	if len(args) > 1 {
		p.Data = args[1]
	}
	return p, nil
}

func writeNamespace(buf *bytes.Buffer, namespace string) {
	if namespace != "" && namespace != defaultNamespace {
		buf.WriteString(namespace)
		buf.WriteByte(',')
	}
}

// encodeEvent builds a 42["event",payload] frame. A nil payload sends the event name only.
func encodeEvent(namespace, event string, payload interface{}) ([]byte, error) {
	args := []interface{}{event}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("Marshal %s: %w", event, err)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(engineMessage))
	buf.WriteByte(byte(socketEvent))
	writeNamespace(&buf, namespace)
	buf.Write(data)
	return buf.Bytes(), nil
}

// encodeConnect builds the namespace connect frame carrying the auth payload.
func encodeConnect(namespace string, auth interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(engineMessage))
	buf.WriteByte(byte(socketConnect))
	writeNamespace(&buf, namespace)
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return nil, fmt.Errorf("Marshal auth: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func encodeDisconnect(namespace string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(engineMessage))
	buf.WriteByte(byte(socketDisconnect))
	writeNamespace(&buf, namespace)
	return buf.Bytes()
}

func encodePong(data []byte) []byte {
	return append([]byte{byte(enginePong)}, data...)
}
