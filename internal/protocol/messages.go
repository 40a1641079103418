package protocol

import (
	"encoding/binary"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

const Version = frame.Version

// Message is one of the closed set of wire messages.
type Message interface {
	Type() frame.Type
	fields() []tlv.Field
}

// Hello is the body shared by Handshake and HandshakeAck.
type Hello struct {
	Version   uint8
	Node      identity.NodeID
	Timestamp uint64 // unix milliseconds
	Nonce     []byte // initiator nonce, echoed by the ack
	Agent     string
	Signature []byte
}

// Handshake opens a session. Sent by the dialing side.
type Handshake struct {
	Hello
}

// HandshakeAck accepts a Handshake. Sent by the listening side.
type HandshakeAck struct {
	Hello
}

// GossipAnnounce advertises what the sender holds. It is a hint; receivers
// never fetch because of it.
type GossipAnnounce struct {
	Timestamp uint64
	Inventory []string
	Tips      []Tip
}

// Tip names the latest operation of one object.
type Tip struct {
	Repo   string
	Object string
	Tip    string
}

type SyncRequest struct {
	RequestID uint64
	Repo      string
	Object    string
	Since     string // last known operation, empty for a full transfer
}

type SyncStatus uint8

const (
	StatusOK       SyncStatus = 1
	StatusNotFound SyncStatus = 2
	StatusDenied   SyncStatus = 3
	StatusBusy     SyncStatus = 4
)

func (s SyncStatus) Valid() bool {
	return s >= StatusOK && s <= StatusBusy
}

func (s SyncStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusDenied:
		return "denied"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// SyncResponse answers a SyncRequest. Chunks ObjectChunk messages follow
// when Status is StatusOK.
type SyncResponse struct {
	RequestID uint64
	Status    SyncStatus
	Chunks    uint32
	TypeName  string
}

type ObjectChunk struct {
	RequestID uint64
	Seq       uint32
	Final     bool
	Data      []byte
}

// ObjectChunkOverhead is the payload size of an ObjectChunk beyond its data:
// four field headers plus request id, seq and final.
const ObjectChunkOverhead = 4*tlv.HeaderLen + 8 + 4 + 1

// MaxChunkData is the largest Data an ObjectChunk can carry under limits.
func MaxChunkData(limits frame.Limits) int {
	return int(limits.WithDefaults().MaxPayloadBytes) - ObjectChunkOverhead
}

type ErrorCode uint16

const (
	CodeProtocol   ErrorCode = 1
	CodeRepository ErrorCode = 2
	CodeBusy       ErrorCode = 3
	CodeBlocked    ErrorCode = 4
	CodeInternal   ErrorCode = 5
)

// Error reports a failure to the peer. RequestID 0 refers to the connection.
type Error struct {
	RequestID uint64
	Code      ErrorCode
	Reason    string
}

type Close struct {
	Reason string
}

func (Handshake) Type() frame.Type      { return frame.TypeHandshake }
func (HandshakeAck) Type() frame.Type   { return frame.TypeHandshakeAck }
func (GossipAnnounce) Type() frame.Type { return frame.TypeGossipAnnounce }
func (SyncRequest) Type() frame.Type    { return frame.TypeSyncRequest }
func (SyncResponse) Type() frame.Type   { return frame.TypeSyncResponse }
func (ObjectChunk) Type() frame.Type    { return frame.TypeObjectChunk }
func (Error) Type() frame.Type          { return frame.TypeError }
func (Close) Type() frame.Type          { return frame.TypeClose }

// SigningBytes is the digest input covered by a hello signature. The frame
// type is part of it so a Handshake signature never verifies as an ack.
func SigningBytes(t frame.Type, h Hello) []byte {
	const domain = "peerctl/hello"
	buf := make([]byte, 0, len(domain)+2+len(h.Node)+8+len(h.Nonce)+len(h.Agent))
	buf = append(buf, domain...)
	buf = append(buf, uint8(t), h.Version)
	buf = append(buf, h.Node[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.Nonce...)
	buf = append(buf, h.Agent...)
	return buf
}

// Sign fills Version, Node and Signature of h for frame type t.
func Sign(t frame.Type, h Hello, signer *identity.Signer) Hello {
	h.Version = Version
	h.Node = signer.ID()
	h.Signature = nil
	h.Signature = signer.Sign(SigningBytes(t, h))
	return h
}

// VerifyHello checks the signature of h against its claimed node id.
func VerifyHello(t frame.Type, h Hello) bool {
	return identity.Verify(h.Node, SigningBytes(t, h), h.Signature)
}
