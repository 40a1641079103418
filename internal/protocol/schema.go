package protocol

import (
	"fmt"

	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

// Field IDs of message payloads.
const (
	FieldVersion   uint16 = 1
	FieldNode      uint16 = 2
	FieldTimestamp uint16 = 3
	FieldNonce     uint16 = 4
	FieldAgent     uint16 = 5
	FieldSignature uint16 = 6

	FieldRequestID uint16 = 10
	FieldRepo      uint16 = 11
	FieldObject    uint16 = 12
	FieldSince     uint16 = 13
	FieldStatus    uint16 = 14
	FieldChunks    uint16 = 15
	FieldTypeName  uint16 = 16
	FieldSeq       uint16 = 17
	FieldFinal     uint16 = 18
	FieldData      uint16 = 19
	FieldCode      uint16 = 20
	FieldReason    uint16 = 21
	FieldInventory uint16 = 22
	FieldTip       uint16 = 23
	FieldTipOp     uint16 = 24
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Type    frame.Type
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("protocol: %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("protocol: %s field=%d: %s", e.Type, e.FieldID, e.Reason)
}

var helloRequirements = []Requirement{
	{FieldVersion, tlv.TypeU8},
	{FieldNode, tlv.TypeBytes},
	{FieldTimestamp, tlv.TypeU64},
	{FieldNonce, tlv.TypeBytes},
	{FieldSignature, tlv.TypeBytes},
}

var requirements = map[frame.Type][]Requirement{
	frame.TypeHandshake:    helloRequirements,
	frame.TypeHandshakeAck: helloRequirements,
	frame.TypeGossipAnnounce: {
		{FieldTimestamp, tlv.TypeU64},
	},
	frame.TypeSyncRequest: {
		{FieldRequestID, tlv.TypeU64},
		{FieldRepo, tlv.TypeString},
		{FieldObject, tlv.TypeString},
	},
	frame.TypeSyncResponse: {
		{FieldRequestID, tlv.TypeU64},
		{FieldStatus, tlv.TypeU8},
		{FieldChunks, tlv.TypeU32},
	},
	frame.TypeObjectChunk: {
		{FieldRequestID, tlv.TypeU64},
		{FieldSeq, tlv.TypeU32},
		{FieldFinal, tlv.TypeBool},
		{FieldData, tlv.TypeBytes},
	},
	frame.TypeError: {
		{FieldRequestID, tlv.TypeU64},
		{FieldCode, tlv.TypeU16},
	},
	frame.TypeClose: {},
}

// Optional fields that must still carry the right type when present.
var optional = map[frame.Type][]Requirement{
	frame.TypeHandshake:    {{FieldAgent, tlv.TypeString}},
	frame.TypeHandshakeAck: {{FieldAgent, tlv.TypeString}},
	frame.TypeGossipAnnounce: {
		{FieldInventory, tlv.TypeString},
		{FieldTip, tlv.TypeBytes},
	},
	frame.TypeSyncRequest:  {{FieldSince, tlv.TypeString}},
	frame.TypeSyncResponse: {{FieldTypeName, tlv.TypeString}},
	frame.TypeError:        {{FieldReason, tlv.TypeString}},
	frame.TypeClose:        {{FieldReason, tlv.TypeString}},
}

var tipRequirements = []Requirement{
	{FieldRepo, tlv.TypeString},
	{FieldObject, tlv.TypeString},
	{FieldTipOp, tlv.TypeString},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(t frame.Type, fields []tlv.Field) error {
	reqs, ok := requirements[t]
	if !ok {
		return ValidationError{Type: t, Reason: "unknown message type"}
	}
	if err := checkRequired(t, reqs, fields); err != nil {
		return err
	}
	for _, opt := range optional[t] {
		for _, f := range tlv.GetFields(fields, opt.ID) {
			if f.Type != opt.Type {
				return ValidationError{Type: t, FieldID: opt.ID, Reason: fmt.Sprintf("type=%d want=%d", f.Type, opt.Type)}
			}
		}
	}
	return nil
}

func checkRequired(t frame.Type, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, ok := tlv.GetField(fields, req.ID)
		if !ok {
			return MissingFieldError{Type: t, FieldID: req.ID}
		}
		if f.Type != req.Type {
			return ValidationError{Type: t, FieldID: req.ID, Reason: fmt.Sprintf("type=%d want=%d", f.Type, req.Type)}
		}
	}
	return nil
}
