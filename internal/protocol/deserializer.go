package protocol

import "github.com/danmuck/peerctl/internal/protocol/frame"

// Deserializer turns a byte stream into messages. Any error it returns is
// fatal for the connection and is repeated on every later call.
type Deserializer struct {
	frames *frame.Deserializer
	err    error
}

func NewDeserializer(limits frame.Limits) *Deserializer {
	return &Deserializer{frames: frame.NewDeserializer(limits)}
}

// Feed returns every message completed by b, in arrival order. Messages that
// precede a fatal error in the same chunk are still returned.
func (d *Deserializer) Feed(b []byte) ([]Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	frames, ferr := d.frames.Feed(b)
	msgs := make([]Message, 0, len(frames))
	for _, f := range frames {
		msg, err := DecodeFrame(f)
		if err != nil {
			d.err = err
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	if ferr != nil {
		d.err = &ParseError{Err: ferr}
		return msgs, d.err
	}
	return msgs, nil
}

// Buffered reports bytes held for an incomplete message.
func (d *Deserializer) Buffered() int {
	return d.frames.Buffered()
}
