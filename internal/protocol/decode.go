package protocol

import (
	"fmt"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/protocol/tlv"
)

// Decode parses exactly one frame from b.
func Decode(b []byte) (Message, error) {
	h, err := frame.DecodeHeader(b)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := frame.DefaultLimits().Check(h); err != nil {
		return nil, &ParseError{Type: h.Type, Err: err}
	}
	body := b[frame.HeaderLen:]
	switch {
	case len(body) < int(h.PayloadLen):
		return nil, &ParseError{Type: h.Type, Err: ErrTruncated}
	case len(body) > int(h.PayloadLen):
		return nil, &ParseError{Type: h.Type, Err: ErrTrailingBytes}
	}
	return DecodeFrame(frame.Frame{Header: h, Payload: body})
}

// DecodeFrame turns a complete frame into its message.
func DecodeFrame(f frame.Frame) (Message, error) {
	msg, err := decodePayload(f.Header.Type, f.Payload)
	if err != nil {
		return nil, &ParseError{Type: f.Header.Type, Err: err}
	}
	return msg, nil
}

func decodePayload(t frame.Type, payload []byte) (Message, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(t, fields); err != nil {
		return nil, err
	}
	r := &reader{fields: fields}

	var msg Message
	switch t {
	case frame.TypeHandshake:
		msg = Handshake{Hello: r.hello()}
	case frame.TypeHandshakeAck:
		msg = HandshakeAck{Hello: r.hello()}
	case frame.TypeGossipAnnounce:
		msg = r.announce()
	case frame.TypeSyncRequest:
		msg = SyncRequest{
			RequestID: r.u64(FieldRequestID),
			Repo:      r.str(FieldRepo),
			Object:    r.str(FieldObject),
			Since:     r.str(FieldSince),
		}
	case frame.TypeSyncResponse:
		resp := SyncResponse{
			RequestID: r.u64(FieldRequestID),
			Status:    SyncStatus(r.u8(FieldStatus)),
			Chunks:    r.u32(FieldChunks),
			TypeName:  r.str(FieldTypeName),
		}
		if r.err == nil && !resp.Status.Valid() {
			r.fail(fmt.Errorf("%w: status %d", ErrInvalidValue, resp.Status))
		}
		msg = resp
	case frame.TypeObjectChunk:
		msg = ObjectChunk{
			RequestID: r.u64(FieldRequestID),
			Seq:       r.u32(FieldSeq),
			Final:     r.boolean(FieldFinal),
			Data:      r.raw(FieldData),
		}
	case frame.TypeError:
		msg = Error{
			RequestID: r.u64(FieldRequestID),
			Code:      ErrorCode(r.u16(FieldCode)),
			Reason:    r.str(FieldReason),
		}
	case frame.TypeClose:
		msg = Close{Reason: r.str(FieldReason)}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, t)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// reader pulls typed values out of validated fields and keeps the first error.
type reader struct {
	fields []tlv.Field
	err    error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) field(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	return tlv.GetField(r.fields, id)
}

func (r *reader) u8(id uint16) uint8 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.Uint8()
	r.fail(err)
	return v
}

func (r *reader) u16(id uint16) uint16 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.Uint16()
	r.fail(err)
	return v
}

func (r *reader) u32(id uint16) uint32 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.Uint32()
	r.fail(err)
	return v
}

func (r *reader) u64(id uint16) uint64 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.Uint64()
	r.fail(err)
	return v
}

func (r *reader) boolean(id uint16) bool {
	f, ok := r.field(id)
	if !ok {
		return false
	}
	v, err := f.Bool()
	r.fail(err)
	return v
}

func (r *reader) str(id uint16) string {
	f, ok := r.field(id)
	if !ok {
		return ""
	}
	v, err := f.Str()
	r.fail(err)
	return v
}

func (r *reader) raw(id uint16) []byte {
	f, ok := r.field(id)
	if !ok {
		return nil
	}
	v, err := f.Raw()
	r.fail(err)
	return v
}

func (r *reader) hello() Hello {
	h := Hello{
		Version:   r.u8(FieldVersion),
		Timestamp: r.u64(FieldTimestamp),
		Nonce:     r.raw(FieldNonce),
		Agent:     r.str(FieldAgent),
		Signature: r.raw(FieldSignature),
	}
	node := r.raw(FieldNode)
	if r.err != nil {
		return h
	}
	id, err := identity.NodeIDFromBytes(node)
	if err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrInvalidValue, err))
		return h
	}
	h.Node = id
	return h
}

func (r *reader) announce() GossipAnnounce {
	msg := GossipAnnounce{Timestamp: r.u64(FieldTimestamp)}
	if r.err != nil {
		return msg
	}
	for _, f := range tlv.GetFields(r.fields, FieldInventory) {
		msg.Inventory = append(msg.Inventory, string(f.Value))
	}
	for _, f := range tlv.GetFields(r.fields, FieldTip) {
		nested, err := tlv.DecodeFields(f.Value)
		if err != nil {
			r.fail(err)
			return msg
		}
		if err := checkRequired(frame.TypeGossipAnnounce, tipRequirements, nested); err != nil {
			r.fail(err)
			return msg
		}
		tr := &reader{fields: nested}
		msg.Tips = append(msg.Tips, Tip{
			Repo:   tr.str(FieldRepo),
			Object: tr.str(FieldObject),
			Tip:    tr.str(FieldTipOp),
		})
	}
	return msg
}
