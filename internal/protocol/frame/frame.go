package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is version(1) + type(1) + payload length(4).
const HeaderLen = 6

// Version is the only wire version this node speaks.
const Version uint8 = 1

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrUnknownType        = errors.New("frame: unknown message type")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// Type is the message type tag carried in the header.
type Type uint8

const (
	TypeHandshake      Type = 1
	TypeHandshakeAck   Type = 2
	TypeGossipAnnounce Type = 3
	TypeSyncRequest    Type = 4
	TypeSyncResponse   Type = 5
	TypeObjectChunk    Type = 6
	TypeError          Type = 7
	TypeClose          Type = 8
)

func (t Type) Valid() bool {
	return t >= TypeHandshake && t <= TypeClose
}

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeAck:
		return "handshake_ack"
	case TypeGossipAnnounce:
		return "gossip_announce"
	case TypeSyncRequest:
		return "sync_request"
	case TypeSyncResponse:
		return "sync_response"
	case TypeObjectChunk:
		return "object_chunk"
	case TypeError:
		return "error"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Header is the fixed wire header.
type Header struct {
	Version    uint8
	Type       Type
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024 * 1024,
	}
}

func (l Limits) WithDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Check validates a decoded header against version, type and size rules.
func (l Limits) Check(h Header) error {
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownType, uint8(h.Type))
	}
	if h.PayloadLen > l.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, l.MaxPayloadBytes)
	}
	return nil
}

// Encode returns header and payload as one buffer.
func Encode(t Type, payload []byte, limits Limits) ([]byte, error) {
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(payload))
	PutHeader(buf, Header{Version: Version, Type: t, PayloadLen: uint32(len(payload))})
	return append(buf, payload...), nil
}

func PutHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.PayloadLen)
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version:    b[0],
		Type:       Type(b[1]),
		PayloadLen: binary.BigEndian.Uint32(b[2:6]),
	}, nil
}
