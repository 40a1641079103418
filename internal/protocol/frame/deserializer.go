package frame

// Deserializer reassembles frames from arbitrarily split byte chunks.
// It is not safe for concurrent use; each connection owns one.
type Deserializer struct {
	limits Limits
	buf    []byte
	header Header
	inMsg  bool
	err    error
}

func NewDeserializer(limits Limits) *Deserializer {
	return &Deserializer{limits: limits.WithDefaults()}
}

// Feed appends b and returns every frame completed by it. After a fatal
// error the deserializer keeps returning that error.
func (d *Deserializer) Feed(b []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, b...)

	var out []Frame
	off := 0
	for {
		if !d.inMsg {
			if len(d.buf)-off < HeaderLen {
				break
			}
			h, _ := DecodeHeader(d.buf[off : off+HeaderLen])
			if err := d.limits.Check(h); err != nil {
				d.err = err
				d.buf = nil
				return out, err
			}
			d.header = h
			d.inMsg = true
			off += HeaderLen
		}
		need := int(d.header.PayloadLen)
		if len(d.buf)-off < need {
			break
		}
		payload := make([]byte, need)
		copy(payload, d.buf[off:off+need])
		off += need
		out = append(out, Frame{Header: d.header, Payload: payload})
		d.inMsg = false
	}
	d.compact(off)
	return out, nil
}

// Buffered reports unconsumed bytes, including a decoded but incomplete payload.
func (d *Deserializer) Buffered() int {
	return len(d.buf)
}

// Pending reports whether a header has been read whose payload is incomplete.
func (d *Deserializer) Pending() (Header, bool) {
	return d.header, d.inMsg
}

func (d *Deserializer) Err() error {
	return d.err
}

func (d *Deserializer) compact(off int) {
	if off == 0 {
		return
	}
	rest := len(d.buf) - off
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[off:])
	d.buf = d.buf[:rest]
}
