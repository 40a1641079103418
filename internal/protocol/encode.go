package protocol

import (
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

// Encode renders msg as one frame under the default limits.
func Encode(msg Message) ([]byte, error) {
	return EncodeWithLimits(msg, frame.DefaultLimits())
}

// EncodeWithLimits renders msg as one frame. Field order is fixed per type,
// so equal messages always produce equal bytes.
func EncodeWithLimits(msg Message, limits frame.Limits) ([]byte, error) {
	return frame.Encode(msg.Type(), tlv.EncodeFields(msg.fields()), limits)
}

func (h Hello) helloFields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U8(FieldVersion, h.Version),
		tlv.Bytes(FieldNode, h.Node[:]),
		tlv.U64(FieldTimestamp, h.Timestamp),
		tlv.Bytes(FieldNonce, h.Nonce),
	}
	if h.Agent != "" {
		fields = append(fields, tlv.String(FieldAgent, h.Agent))
	}
	return append(fields, tlv.Bytes(FieldSignature, h.Signature))
}

func (m Handshake) fields() []tlv.Field    { return m.helloFields() }
func (m HandshakeAck) fields() []tlv.Field { return m.helloFields() }

func (m GossipAnnounce) fields() []tlv.Field {
	fields := []tlv.Field{tlv.U64(FieldTimestamp, m.Timestamp)}
	for _, repo := range m.Inventory {
		fields = append(fields, tlv.String(FieldInventory, repo))
	}
	for _, tip := range m.Tips {
		nested := tlv.EncodeFields([]tlv.Field{
			tlv.String(FieldRepo, tip.Repo),
			tlv.String(FieldObject, tip.Object),
			tlv.String(FieldTipOp, tip.Tip),
		})
		fields = append(fields, tlv.Field{ID: FieldTip, Type: tlv.TypeBytes, Value: nested})
	}
	return fields
}

func (m SyncRequest) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U64(FieldRequestID, m.RequestID),
		tlv.String(FieldRepo, m.Repo),
		tlv.String(FieldObject, m.Object),
	}
	if m.Since != "" {
		fields = append(fields, tlv.String(FieldSince, m.Since))
	}
	return fields
}

func (m SyncResponse) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U64(FieldRequestID, m.RequestID),
		tlv.U8(FieldStatus, uint8(m.Status)),
		tlv.U32(FieldChunks, m.Chunks),
	}
	if m.TypeName != "" {
		fields = append(fields, tlv.String(FieldTypeName, m.TypeName))
	}
	return fields
}

func (m ObjectChunk) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldRequestID, m.RequestID),
		tlv.U32(FieldSeq, m.Seq),
		tlv.Bool(FieldFinal, m.Final),
		tlv.Bytes(FieldData, m.Data),
	}
}

func (m Error) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U64(FieldRequestID, m.RequestID),
		tlv.U16(FieldCode, uint16(m.Code)),
	}
	if m.Reason != "" {
		fields = append(fields, tlv.String(FieldReason, m.Reason))
	}
	return fields
}

func (m Close) fields() []tlv.Field {
	if m.Reason == "" {
		return nil
	}
	return []tlv.Field{tlv.String(FieldReason, m.Reason)}
}
