package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// recordPrefix is the uint32 length written before each encoded operation.
const recordPrefix = 4

// DefaultMaxRecordBytes bounds a single encoded operation during ingest.
const DefaultMaxRecordBytes = 4 * 1024 * 1024

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func MarshalOperation(op Operation) ([]byte, error) {
	return cborEncMode.Marshal(op)
}

func UnmarshalOperation(data []byte) (Operation, error) {
	var op Operation
	if err := cbor.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("storage: unmarshal operation: %w", err)
	}
	return op, nil
}

// EncodeOps renders ops as a stream of length-prefixed CBOR records.
func EncodeOps(ops []Operation) ([]byte, error) {
	var out []byte
	for _, op := range ops {
		b, err := MarshalOperation(op)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

// Split cuts data into pieces of at most max bytes.
func Split(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if max <= 0 {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+max-1)/max)
	for len(data) > max {
		out = append(out, data[:max:max])
		data = data[max:]
	}
	return append(out, data)
}

// Ingest decodes a record stream that arrives in arbitrary pieces. Only the
// bytes of the record in progress are retained between writes.
type Ingest struct {
	buf      []byte
	maxBytes int
	records  int
}

func NewIngest(maxRecordBytes int) *Ingest {
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &Ingest{maxBytes: maxRecordBytes}
}

// Write consumes chunk and returns the operations it completed.
func (in *Ingest) Write(chunk []byte) ([]Operation, error) {
	in.buf = append(in.buf, chunk...)
	var ops []Operation
	off := 0
	for len(in.buf)-off >= recordPrefix {
		n := int(binary.BigEndian.Uint32(in.buf[off : off+recordPrefix]))
		if n > in.maxBytes {
			return ops, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, n, in.maxBytes)
		}
		if len(in.buf)-off-recordPrefix < n {
			break
		}
		start := off + recordPrefix
		op, err := UnmarshalOperation(in.buf[start : start+n])
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
		off = start + n
		in.records++
	}
	rest := copy(in.buf, in.buf[off:])
	in.buf = in.buf[:rest]
	return ops, nil
}

// Done reports whether the stream ended on a record boundary.
func (in *Ingest) Done() error {
	if len(in.buf) != 0 {
		return fmt.Errorf("%w: %d dangling bytes", ErrIncompleteTransfer, len(in.buf))
	}
	return nil
}

// Records is the number of operations decoded so far.
func (in *Ingest) Records() int {
	return in.records
}
