package lobby

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// ErrProtocol is returned when a payload cannot be framed or parsed.
// It marks a recoverable, connection-local failure: the session handler
// decides whether to reply with an error message or drop the connection.
var ErrProtocol = errors.New("protocol error")

// MessageType discriminates the protocol message variants.
type MessageType string

// Protocol message types. login, chat and command travel client to server;
// system, error and room_update travel server to client.
const (
	MessageLogin      MessageType = "login"
	MessageChat       MessageType = "chat"
	MessageCommand    MessageType = "command"
	MessageSystem     MessageType = "system"
	MessageError      MessageType = "error"
	MessageRoomUpdate MessageType = "room_update"
)

// RoomStatus is the per-room entry of a room_update message.
type RoomStatus struct {
	PlayerCount int `json:"player_count"`
}

// Message is one protocol message. Type selects the variant; only the
// fields belonging to that variant are populated, the rest are omitted
// from the encoded form.
type Message struct {
	Type     MessageType           `json:"type"`
	Username string                `json:"username,omitempty"`
	Content  string                `json:"content,omitempty"`
	Command  string                `json:"command,omitempty"`
	Rooms    map[string]RoomStatus `json:"rooms,omitempty"`
}

// Codec is the interface for message encoding and decoding.
//
// Decode reads from an io.Reader and must consume exactly the bytes of one
// complete message, blocking until they are available. This is what allows
// the connection to treat TCP as an unbounded byte stream: a message split
// across several reads is reassembled, and two messages delivered in one
// read are returned one at a time.
type Codec interface {
	// Decode reads and decodes the next complete message from the reader.
	Decode(r io.Reader) (*Message, error)
	// Encode encodes a message into raw bytes for transmission.
	Encode(*Message) ([]byte, error)
}

// frameHeaderSize is the size of the length prefix preceding every payload.
const frameHeaderSize = 4

// frameCodec frames each JSON payload with a 4-byte big-endian length
// prefix. The payload is UTF-8 JSON with a "type" discriminator field.
type frameCodec struct {
	// maxPayload bounds the announced payload length. A prefix larger than
	// this is treated as garbage framing, not as a large message.
	maxPayload int
}

// NewCodec returns the wire codec used by the lobby protocol. maxPayload
// bounds the size of a single message body; values <= 0 fall back to the
// connection default.
func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 {
		maxPayload = defaultMaxPackageLength
	}
	return &frameCodec{maxPayload: maxPayload}
}

func (c *frameCodec) Decode(r io.Reader) (*Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// A clean EOF between messages is a normal stream close, not a
		// framing violation. EOF inside the header is one.
		if err == io.EOF {
			return nil, err
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrProtocol, "truncated frame header")
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty frame")
	}
	if int(length) > c.maxPayload {
		// Not recoverable: the stream position is lost once a frame cannot
		// be consumed whole.
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame length %d exceeds limit %d", length, c.maxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrProtocol, "truncated frame body")
		}
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "malformed payload: %v", err)
	}

	switch msg.Type {
	case MessageLogin, MessageChat, MessageCommand, MessageSystem, MessageError, MessageRoomUpdate:
	default:
		return nil, errors.Wrapf(ErrProtocol, "unknown message type %q", msg.Type)
	}

	return &msg, nil
}

func (c *frameCodec) Encode(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	if len(payload) > c.maxPayload {
		return nil, errors.Wrapf(ErrProtocol, "encoded payload %d exceeds limit %d", len(payload), c.maxPayload)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}
